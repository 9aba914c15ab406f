package tilesource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Faultbox/terra3d/internal/terrain"
	"github.com/Faultbox/terra3d/pkg/qmesh"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

// Ext is the file extension of quantized-mesh tiles.
const Ext = ".terrain"

// Dir reads tiles laid out as {root}/{z}/{x}/{y}.terrain.
type Dir struct {
	root string
}

// NewDir serves tiles below root.
func NewDir(root string) (*Dir, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("tile directory: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("tile directory: %s is not a directory", root)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory tiles are read from.
func (d *Dir) Root() string { return d.root }

// Path returns the file holding tile a.
func (d *Dir) Path(a tiling.Address) string {
	return tilePath(d.root, a)
}

func tilePath(root string, a tiling.Address) string {
	return filepath.Join(root, strconv.Itoa(a.Level), strconv.Itoa(a.X), strconv.Itoa(a.Y)+Ext)
}

func (d *Dir) Fetch(ctx context.Context, a tiling.Address) (*qmesh.Tile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.Path(a))
	if errors.Is(err, os.ErrNotExist) {
		return nil, terrain.ErrTileNotFound
	}
	if err != nil {
		return nil, err
	}
	return qmesh.Parse(data)
}

// Put writes a gzipped tile, creating the directories it needs.
func (d *Dir) Put(ctx context.Context, a tiling.Address, t *qmesh.Tile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := t.MarshalGzip()
	if err != nil {
		return err
	}
	path := d.Path(a)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Close is a no-op.
func (d *Dir) Close() error { return nil }

package tilesource

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/Faultbox/terra3d/internal/terrain"
	"github.com/Faultbox/terra3d/pkg/qmesh"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

// Source is a terrain tile source that holds resources.
type Source interface {
	terrain.Source
	io.Closer
}

// Open picks the source implementation from its location: http(s) URL
// templates, .mbtiles files, otherwise a tile directory.
func Open(location string, opts HTTPOptions, log *zap.Logger) (Source, error) {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return NewHTTP(location, opts, log)
	case strings.HasSuffix(strings.ToLower(location), ".mbtiles"):
		return OpenMBTiles(location)
	default:
		return NewDir(location)
	}
}

// Sink stores encoded tiles.
type Sink interface {
	Put(ctx context.Context, a tiling.Address, t *qmesh.Tile) error
	io.Closer
}

// Create opens a writable tile set: an .mbtiles file, otherwise a directory
// that is created when missing. Metadata is only kept by MBTiles.
func Create(location string, metadata map[string]string) (Sink, error) {
	if strings.HasSuffix(strings.ToLower(location), ".mbtiles") {
		return CreateMBTiles(location, metadata)
	}
	if err := os.MkdirAll(location, 0755); err != nil {
		return nil, fmt.Errorf("tile directory: %w", err)
	}
	return NewDir(location)
}

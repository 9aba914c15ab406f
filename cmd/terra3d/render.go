package main

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/terra3d/internal/map3d"
	"github.com/Faultbox/terra3d/internal/session"
	"github.com/Faultbox/terra3d/internal/terrain"
	"github.com/Faultbox/terra3d/internal/texture"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render drape textures and scene meshes for one tile level",
	Long: `Render builds the configured map session, then writes for every tile of
the selected level covering the layer stack:

  <output>/textures/{z}/{x}/{y}.png   the composited layer texture
  <output>/scene/{z}/{x}/{y}.obj      the terrain mesh in scene space

Examples:
  terra3d render --level 2
  terra3d render -c site.yaml --terrain dem --dem N45E006.hgt -o out`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRender(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(renderCmd)
}

func runRender(ctx context.Context) error {
	start := time.Now()
	s, err := session.Open(cfg, log)
	if err != nil {
		return err
	}
	defer s.Close()

	m := s.Map
	level := cfg.Output.Level
	if level < m.Terrain().Root().Level {
		level = m.Terrain().Root().Level
	}
	addrs := m.VisibleTiles(level)
	if len(addrs) == 0 {
		return fmt.Errorf("no tiles cover the layer stack at level %d", level)
	}
	log.Info("rendering",
		zap.Int("level", level),
		zap.Int("tiles", len(addrs)),
		zap.String("output", cfg.Output.Dir))

	var textures, meshes, missing atomic.Int64
	g, ctx := errgroup.WithContext(ctx)

	// Keep no more tickets in flight than the texture queue accepts.
	limit := cfg.Texture.QueueSize
	if limit <= 0 {
		limit = texture.DefaultQueueSize
	}
	tg, tctx := errgroup.WithContext(ctx)
	tg.SetLimit(limit)
	g.Go(func() error {
		for _, a := range addrs {
			a := a
			tg.Go(func() error {
				if err := renderTexture(tctx, m, a); err != nil {
					return err
				}
				textures.Add(1)
				return nil
			})
		}
		return tg.Wait()
	})

	g.Go(func() error {
		for res := range m.SceneTiles(ctx, addrs) {
			if tileUnavailable(res.Err) {
				log.Warn("terrain tile unavailable", zap.Stringer("tile", res.Address), zap.Error(res.Err))
				missing.Add(1)
				continue
			}
			if res.Err != nil {
				return res.Err
			}
			if err := writeOBJ(res.Tile); err != nil {
				return err
			}
			meshes.Add(1)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("render complete",
		zap.Int64("textures", textures.Load()),
		zap.Int64("meshes", meshes.Load()),
		zap.Int64("missing", missing.Load()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func renderTexture(ctx context.Context, m *map3d.Map3D, a tiling.Address) error {
	tk, err := m.RequestTexture(a)
	if err != nil {
		return fmt.Errorf("tile %s: %w", a, err)
	}
	var res texture.Result
	select {
	case res = <-tk.Done():
	case <-ctx.Done():
		m.Textures().Cancel(tk.Handle())
		return ctx.Err()
	}

	var partial *texture.PartialCompositeError
	switch {
	case errors.As(res.Err, &partial):
		log.Warn("texture incomplete", zap.Stringer("tile", a), zap.Error(res.Err))
	case res.Err != nil:
		return fmt.Errorf("tile %s: %w", a, res.Err)
	}

	path := outputPath("textures", a, ".png")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, res.Image); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return f.Close()
}

func tileUnavailable(err error) bool {
	return errors.Is(err, terrain.ErrTileNotFound) ||
		errors.Is(err, terrain.ErrUnsupportedTile) ||
		errors.Is(err, terrain.ErrOutOfBounds)
}

func writeOBJ(t *map3d.SceneTile) error {
	path := outputPath("scene", t.Address, ".obj")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteOBJ(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func outputPath(kind string, a tiling.Address, ext string) string {
	return filepath.Join(cfg.Output.Dir, kind, strconv.Itoa(a.Level), strconv.Itoa(a.X), strconv.Itoa(a.Y)+ext)
}

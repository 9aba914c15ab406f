package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Faultbox/terra3d/internal/layer"
	"github.com/Faultbox/terra3d/internal/terrain"
	"github.com/Faultbox/terra3d/internal/tilesource"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

var (
	tilesMinLevel int
	tilesMaxLevel int
	tilesOutput   string
)

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Build a quantized-mesh tile set from an elevation file",
	Long: `Tiles samples the configured elevation file (terrain.dem.path or --dem) on the
global geographic tiling scheme and writes quantized-mesh tiles for every level
between --min-level and --max-level. The output is a {z}/{x}/{y}.terrain
directory or, when it ends in .mbtiles, an MBTiles database. The result can be
used as the source of quantized_mesh terrain.

Examples:
  terra3d tiles --dem N45E006.hgt --max-level 10 --to tiles
  terra3d tiles --dem N45E006.hgt --min-level 6 --max-level 12 --to alps.mbtiles`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTiles(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(tilesCmd)
	tilesCmd.Flags().IntVar(&tilesMinLevel, "min-level", 0, "First level to write")
	tilesCmd.Flags().IntVar(&tilesMaxLevel, "max-level", 8, "Last level to write")
	tilesCmd.Flags().StringVar(&tilesOutput, "to", "", "Tile directory or .mbtiles file (default <output>/tiles)")
}

func runTiles(ctx context.Context) error {
	if cfg.Terrain.Dem.Path == "" {
		return fmt.Errorf("no elevation file: set terrain.dem.path or --dem")
	}
	if tilesMinLevel < 0 || tilesMaxLevel < tilesMinLevel {
		return fmt.Errorf("invalid level range %d..%d", tilesMinLevel, tilesMaxLevel)
	}
	start := time.Now()

	grid, err := layer.LoadHGT(cfg.Terrain.Dem.Path)
	if err != nil {
		return err
	}
	scheme := tiling.Geographic()
	dem, err := terrain.NewDem(grid, max(cfg.Terrain.Dem.Resolution, 2), terrain.WithTilingScheme(scheme))
	if err != nil {
		return err
	}

	target := tilesOutput
	if target == "" {
		target = filepath.Join(cfg.Output.Dir, "tiles")
	}
	ext := grid.Extent()
	sink, err := tilesource.Create(target, map[string]string{
		"name":    grid.Name(),
		"format":  "quantized-mesh-1.0",
		"bounds":  fmt.Sprintf("%g,%g,%g,%g", ext.Min[0], ext.Min[1], ext.Max[0], ext.Max[1]),
		"minzoom": strconv.Itoa(tilesMinLevel),
		"maxzoom": strconv.Itoa(tilesMaxLevel),
		"scheme":  "tms",
	})
	if err != nil {
		return err
	}
	defer sink.Close()

	var addrs []tiling.Address
	for level := tilesMinLevel; level <= tilesMaxLevel; level++ {
		addrs = append(addrs, scheme.ExtentToTiles(ext, level)...)
	}
	log.Info("building tile set",
		zap.String("source", cfg.Terrain.Dem.Path),
		zap.String("target", target),
		zap.Int("tiles", len(addrs)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	written := 0
	loader := terrain.NewLoader(dem, cfg.Terrain.Workers, log)
	for res := range loader.Load(ctx, addrs) {
		if res.Err != nil {
			return res.Err
		}
		qt, err := terrain.Encode(res.Tile)
		if err != nil {
			return err
		}
		if err := sink.Put(ctx, res.Address, qt); err != nil {
			return fmt.Errorf("writing tile %s: %w", res.Address, err)
		}
		written++
		if written%500 == 0 {
			log.Debug("progress", zap.Int("written", written), zap.Int("total", len(addrs)))
		}
	}

	log.Info("tile set complete",
		zap.Int("written", written),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

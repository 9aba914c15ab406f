package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Faultbox/terra3d/internal/config"
	"github.com/Faultbox/terra3d/internal/logger"
)

var (
	flags *config.Flags
	cfg   *config.Config
	log   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "terra3d",
	Short: "Streaming 3D terrain toolkit",
	Long: `terra3d drapes raster and vector layers over terrain tiles.

Terrain comes from a flat plane, an SRTM elevation file or a quantized-mesh
tile set (directory, .mbtiles or HTTP). Settings are read from terra3d.yaml
and can be overridden with flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flags)
		if err != nil {
			return err
		}
		var file logger.FileConfig
		if cfg.Logging.LogFile != "" {
			file = logger.DefaultFileConfig(cfg.Logging.LogFile)
		}
		log, err = logger.New(logger.Options{
			Level:   cfg.Logging.Level,
			File:    file,
			Console: cfg.Logging.Console,
		})
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		log.Debug("configuration loaded", zap.Any("config", cfg))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync(log)
	},
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	flags = config.BindFlags(rootCmd.PersistentFlags())
}

// Command lrfd wires the region storage engine's components together:
// configuration, the Storage Manager, the Migrator, and the turbo_index
// sidecar, then runs until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lrfstore/lrf/internal/codec"
	"github.com/lrfstore/lrf/internal/lrfconfig"
	"github.com/lrfstore/lrf/internal/lrflog"
	"github.com/lrfstore/lrf/internal/migrate"
	"github.com/lrfstore/lrf/internal/storage"
	"github.com/lrfstore/lrf/internal/worldindex"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := lrfconfig.Parse()
	if err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}

	var (
		dataDir      string
		backupEnable bool
		backupAgeHrs int
	)

	flags := flag.NewFlagSet("lrfd", flag.ExitOnError)
	flags.StringVar(&dataDir, "data-dir", cfg.DataDir, "world region directory")
	flags.BoolVar(&backupEnable, "backup-legacy", false, "retain converted legacy files under backup_mca/ instead of deleting")
	flags.IntVar(&backupAgeHrs, "backup-max-age-hours", 168, "delete retained legacy backups older than this many hours (0 disables cleanup)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	cfg.DataDir = dataDir

	logger, err := lrflog.New()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	widx := worldindex.NewManager(logger)
	defer widx.CloseAll()

	mgr, err := storage.New(cfg, widx.OnPostFlush, logger)
	if err != nil {
		return fmt.Errorf("building storage manager: %w", err)
	}

	wasCrashed, sessionID, err := mgr.Arm()
	if err != nil {
		return fmt.Errorf("arming crash marker: %w", err)
	}
	if wasCrashed {
		logger.Warn("crash marker present at startup; escalating to full integrity validation")
	}
	logger.Info("crash marker armed", zap.String("session_id", sessionID))

	algorithm := codec.Fast
	if cfg.CompressionAlgorithm == lrfconfig.CompressionHighRatio {
		algorithm = codec.HighRatio
	}
	migrator := migrate.New(mgr.Registry(), mgr.Codec(), algorithm, backupEnable, time.Duration(backupAgeHrs)*time.Hour, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cfg.ConversionMode {
	case lrfconfig.ConversionFull:
		if err := migrator.MigrateWorld(cfg.DataDir); err != nil {
			logger.Error("full migration pass failed", zap.Error(err))
		}
	case lrfconfig.ConversionBackground:
		go func() {
			if err := migrator.RunBackground(ctx, cfg.DataDir, 30*time.Second); err != nil {
				logger.Error("background migration loop exited", zap.Error(err))
			}
		}()
	case lrfconfig.ConversionOnDemand, lrfconfig.ConversionManual:
		// Nothing converts legacy regions in these modes; there is no
		// lazy per-region conversion either.
	}

	logger.Info("lrfd ready", zap.String("data_dir", cfg.DataDir), zap.String("format", string(cfg.Format)))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer shutdownCancel()

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("storage manager shutdown reported an error", zap.Error(err))
	}

	if err := mgr.Disarm(); err != nil {
		logger.Error("removing crash marker failed", zap.Error(err))
	}

	return nil
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/objectfs/sqlitevfs/internal/config"
	"github.com/objectfs/sqlitevfs/internal/health"
	"github.com/objectfs/sqlitevfs/internal/install"
	"github.com/objectfs/sqlitevfs/internal/metrics"
)

type cmdServe struct{}

func (cmd *cmdServe) Execute([]string) error {
	cfg := startup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg)
}

// run installs every enabled VFS and serves metrics until ctx is done.
func run(ctx context.Context, cfg *config.Configuration) error {
	tracker := health.NewTracker(health.DefaultConfig())
	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Namespace: cfg.Metrics.Namespace,
		Address:   cfg.Metrics.Address,
		Path:      cfg.Metrics.Path,
		Health:    tracker.Handler(),
	})
	if err != nil {
		return err
	}

	installed, err := install.FromConfig(ctx, cfg, install.WithMetrics(collector), install.WithHealth(tracker))
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		_ = teardownAll(installed)
		return err
	}

	names := make([]string, 0, len(installed))
	for _, inst := range installed {
		names = append(names, inst.Name())
	}
	log.WithFields(log.Fields{"vfs": names, "metrics": cfg.Metrics.Address}).Info("serving")

	<-ctx.Done()

	err = teardownAll(installed)
	log.Info("stopped")
	return err
}

// teardownAll removes installed in reverse order and returns the first error.
func teardownAll(installed []*install.Installed) error {
	var firstErr error
	for i := len(installed) - 1; i >= 0; i-- {
		if err := installed[i].Teardown(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

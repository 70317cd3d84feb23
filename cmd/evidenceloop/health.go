package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/evidenceloop/rag/loop"
)

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	timeout := fs.Duration("timeout", 5*time.Second, "Health check timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	comps, err := loop.Build(ctx, cfg, loop.Deps{Logger: logger})
	if err != nil {
		return err
	}
	defer comps.Close()

	return reportHealth(ctx, comps, stdout, logger)
}

// reportHealth checks local endpoints and prints breaker states. It fails
// when any local endpoint is unhealthy.
func reportHealth(ctx context.Context, comps *loop.Components, stdout io.Writer, logger *zap.Logger) error {
	failed := 0
	for _, b := range comps.Local {
		if err := b.Health(ctx); err != nil {
			failed++
			logger.Warn("backend unhealthy", zap.String("backend", b.Name()), zap.Error(err))
			fmt.Fprintf(stdout, "%-14s DOWN  %v\n", b.Name(), err)
			continue
		}
		fmt.Fprintf(stdout, "%-14s OK\n", b.Name())
	}
	for _, g := range comps.Guards {
		fmt.Fprintf(stdout, "%-14s breaker=%s\n", g.Name(), g.State())
	}
	if failed > 0 {
		return fmt.Errorf("%d backend(s) unhealthy", failed)
	}
	return nil
}

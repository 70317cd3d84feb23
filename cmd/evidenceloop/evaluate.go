package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/BaSui01/evidenceloop/config"
	"github.com/BaSui01/evidenceloop/internal/metrics"
	"github.com/BaSui01/evidenceloop/internal/telemetry"
	"github.com/BaSui01/evidenceloop/rag/loop"
	"github.com/BaSui01/evidenceloop/types"
)

// turnInput is the JSON accepted by the evaluate command.
type turnInput struct {
	ConversationID string                `json:"conversation_id"`
	Query          string                `json:"query"`
	Tasks          []types.RetrievalTask `json:"tasks"`
}

func decodeTurn(r io.Reader) (loop.Turn, error) {
	var in turnInput
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return loop.Turn{}, fmt.Errorf("decode turn: %w", err)
	}
	if in.Query == "" && len(in.Tasks) > 0 {
		in.Query = in.Tasks[0].Query
	}
	return loop.NewTurn(in.ConversationID, in.Query, in.Tasks), nil
}

// =============================================================================
// 🧮 evaluate 命令
// =============================================================================

func runEvaluate(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	inputPath := fs.String("input", "", "Turn JSON file (default: stdin)")
	metricsOut := fs.String("metrics-out", "", "Write a Prometheus text snapshot to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	in := stdin
	if *inputPath != "" {
		f, err := os.Open(*inputPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}
	turn, err := decodeTurn(in)
	if err != nil {
		return err
	}

	ctx := context.Background()
	deps, shutdown, err := runtimeDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	comps, err := loop.Build(ctx, cfg, deps)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Warn("close components", zap.Error(err))
		}
	}()

	out, err := comps.Controller.Step(ctx, turn)
	if err != nil {
		return err
	}
	logger.Info("turn evaluated",
		zap.String("turn_id", out.ID),
		zap.String("action", string(out.Verdict.Action)),
		zap.Int("widening_requests", len(out.WideningRequests)))

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	if *metricsOut != "" && deps.Collector != nil {
		if err := writeMetrics(*metricsOut, prometheus.DefaultGatherer); err != nil {
			return err
		}
	}
	return nil
}

// runtimeDeps builds the metrics collector and tracing notifier from cfg.
func runtimeDeps(ctx context.Context, cfg *config.Config, logger *zap.Logger) (loop.Deps, func(), error) {
	deps := loop.Deps{Logger: logger}
	if cfg.Metrics.Enabled {
		deps.Collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}

	notifiers := loop.MultiNotifier{loop.NewLogNotifier(logger)}
	if cfg.Telemetry.Enabled {
		otelNotifier, err := loop.NewOTelNotifier(providers.Meter())
		if err != nil {
			shutdown()
			return loop.Deps{}, nil, err
		}
		notifiers = append(notifiers, otelNotifier)
		deps.Tracer = providers.Tracer()
	}
	deps.Notifier = notifiers
	return deps, shutdown, nil
}

func writeMetrics(path string, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	var errs []error
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			errs = append(errs, err)
			break
		}
	}
	errs = append(errs, f.Close())
	return errors.Join(errs...)
}

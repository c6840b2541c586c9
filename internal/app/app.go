// Package app wires configuration into a ready pipeline for the binaries.
package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"media-transcribe-go/internal/config"
	"media-transcribe-go/internal/diagnostics"
	"media-transcribe-go/internal/invoker"
	"media-transcribe-go/internal/logger"
	"media-transcribe-go/internal/metrics"
	"media-transcribe-go/internal/pipeline"
	"media-transcribe-go/internal/tracker"
	"media-transcribe-go/internal/workspace"
)

type App struct {
	Config       *config.Config
	Log          *logger.Logger
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Workspace    *workspace.Workspace
	Tracker      *tracker.Tracker
	Orchestrator *pipeline.Orchestrator
	Checker      *diagnostics.Checker
}

// Build prepares the work root, sweeps files left by a previous process and
// assembles the orchestrator.
func Build(cfg *config.Config, log *logger.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	ws := workspace.New(cfg.Workspace.Root, log.Entry)
	if err := ws.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare work root: %w", err)
	}
	swept, err := ws.Sweep(cfg.Workspace.StaleAfterDuration())
	if err != nil {
		log.WithError(err).Warn("startup sweep failed")
	}
	m.RecordSweep(swept)

	tr := tracker.New(log.Entry)
	orch := pipeline.New(pipeline.Options{
		Workspace:  ws,
		Tracker:    tr,
		Runner:     invoker.New(log.Entry),
		Download:   toolOf(cfg.Tools.Download),
		Extract:    toolOf(cfg.Tools.Extract),
		Transcribe: toolOf(cfg.Tools.Transcribe),
		Whisper:    pipeline.Whisper{Model: cfg.Whisper.Model, Language: cfg.Whisper.Language},
		Recorder:   m,
		Log:        log.Entry,
	})

	checker := diagnostics.NewChecker(ws.Root(),
		diagnostics.Tool{Role: "download", Path: cfg.Tools.Download.Path},
		diagnostics.Tool{Role: "extract", Path: cfg.Tools.Extract.Path},
		diagnostics.Tool{Role: "transcribe", Path: cfg.Tools.Transcribe.Path},
	)

	return &App{
		Config:       cfg,
		Log:          log,
		Registry:     reg,
		Metrics:      m,
		Workspace:    ws,
		Tracker:      tr,
		Orchestrator: orch,
		Checker:      checker,
	}, nil
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *config.Config) *logger.Logger {
	return logger.NewWithOptions(logger.Options{
		Environment: cfg.Logging.Environment,
		Level:       cfg.Logging.Level,
	})
}

func toolOf(t config.ToolConfig) pipeline.Tool {
	return pipeline.Tool{Path: t.Path, Timeout: t.TimeoutDuration()}
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"media-transcribe-go/internal/app"
	"media-transcribe-go/internal/config"
	"media-transcribe-go/internal/dataset"
	"media-transcribe-go/internal/logger"
	"media-transcribe-go/internal/processor"
	"media-transcribe-go/internal/types"
)

func main() {
	in := flag.String("in", "", "xlsx manifest with a column of media URLs")
	out := flag.String("out", "transcripts.xlsx", "xlsx file to write results to")
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "optional YAML config file")
	flag.Parse()

	if *in == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New().WithError(err).Fatal("failed to load configuration")
	}
	log := app.NewLogger(cfg)

	rows, err := dataset.Load(*in)
	if err != nil {
		log.WithError(err).WithField("path", *in).Fatal("failed to read manifest")
	}
	log.WithField("rows", len(rows)).Info("manifest loaded")

	a, err := app.Build(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize pipeline")
	}
	if report := a.Checker.Run(); report.HasFailures {
		for _, item := range report.Items {
			if item.Status != types.DiagnosticStatusPass {
				log.WithField("check", item.ID).WithField("hint", item.Hint).Warn(item.Message)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc := processor.New(a.Orchestrator, processor.Options{
		Concurrency: cfg.Batch.Concurrency,
		MaxRetries:  cfg.Batch.MaxRetries,
		MaxElapsed:  cfg.Batch.MaxElapsedDuration(),
		Log:         log.Entry,
	})
	results := proc.ProcessAll(ctx, rows)

	sum, err := dataset.WriteResults(*out, results)
	if err != nil {
		log.WithError(err).Fatal("failed to write results")
	}
	log.WithField("succeeded", sum.Succeeded).WithField("failed", sum.Failed).WithField("out", *out).Info("batch finished")
	if sum.Failed > 0 {
		stop()
		os.Exit(1)
	}
}

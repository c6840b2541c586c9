// Package processor transcribes a manifest of remote media URLs with bounded
// concurrency, retrying runs whose failure kind may clear on resubmission.
package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"media-transcribe-go/internal/pipeline"
	"media-transcribe-go/internal/types"
)

// Pipeline runs one request.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type Options struct {
	Concurrency     int
	MaxRetries      int
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	Log             *logrus.Entry
}

type Processor struct {
	pipeline  Pipeline
	opts      Options
	semaphore chan struct{}
	log       *logrus.Entry
}

func New(p Pipeline, opts Options) *Processor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 2 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Processor{
		pipeline:  p,
		opts:      opts,
		semaphore: make(chan struct{}, opts.Concurrency),
		log:       log.WithField("component", "processor"),
	}
}

// ProcessAll transcribes every row and returns results in manifest order.
func (p *Processor) ProcessAll(ctx context.Context, rows []types.ManifestRow) []types.BatchResult {
	results := make([]types.BatchResult, len(rows))
	var wg sync.WaitGroup
	for i, row := range rows {
		select {
		case p.semaphore <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(rows); j++ {
				results[j] = canceledResult(rows[j])
			}
			wg.Wait()
			return results
		}
		wg.Add(1)
		go func(i int, row types.ManifestRow) {
			defer wg.Done()
			defer func() { <-p.semaphore }()
			results[i] = p.ProcessOne(ctx, row)
		}(i, row)
	}
	wg.Wait()
	return results
}

// ProcessOne transcribes one row. Each attempt is a fresh run with its own
// token, so a retry never sees files left by an earlier attempt.
func (p *Processor) ProcessOne(ctx context.Context, row types.ManifestRow) types.BatchResult {
	start := time.Now()
	out := types.BatchResult{ManifestRow: row}
	log := p.log.WithFields(logrus.Fields{"row": row.Row, "id": row.ID})

	op := func() error {
		out.Attempts++
		res, err := p.pipeline.Run(ctx, pipeline.NewURLRequest(row.URL))
		out.RunID = res.Token
		if err != nil {
			if !pipeline.KindOf(err).Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		out.Transcript = res.Transcript
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.WithFields(logrus.Fields{
			"attempt": out.Attempts,
			"kind":    pipeline.KindOf(err),
			"wait_ms": wait.Milliseconds(),
		}).Warn("retrying transcription")
	}

	err := backoff.RetryNotify(op, p.newBackOff(ctx), notify)
	out.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		fillError(&out, err)
		log.WithFields(logrus.Fields{"kind": out.Kind, "attempts": out.Attempts}).Warn("row failed")
		return out
	}
	log.WithField("attempts", out.Attempts).Info("row transcribed")
	return out
}

func (p *Processor) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.InitialInterval
	bo.MaxElapsedTime = p.opts.MaxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.opts.MaxRetries)), ctx)
}

func fillError(out *types.BatchResult, err error) {
	out.Kind = string(pipeline.KindOf(err))
	var pErr *pipeline.Error
	if errors.As(err, &pErr) {
		out.Stage = string(pErr.Stage)
		out.Error = pErr.Message
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		out.Kind = string(pipeline.KindCanceled)
		out.Error = "batch canceled"
		return
	}
	out.Error = "transcription failed"
}

func canceledResult(row types.ManifestRow) types.BatchResult {
	return types.BatchResult{ManifestRow: row, Kind: string(pipeline.KindCanceled), Error: "batch canceled"}
}

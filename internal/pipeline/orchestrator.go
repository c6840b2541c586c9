// Package pipeline turns a media source into a transcript by running the
// acquire, extract and transcribe stages in order, one run per request.
// Every file a run creates is registered with a tracker and deleted when the
// run ends, whether it succeeded, failed or was canceled.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"media-transcribe-go/internal/invoker"
	"media-transcribe-go/internal/tracker"
	"media-transcribe-go/internal/workspace"
)

// Recorder receives run and stage outcomes. An empty outcome means success.
type Recorder interface {
	RunStarted(source string)
	RunFinished(source, outcome string, d time.Duration)
	StageFinished(stage, outcome string, d time.Duration)
	CleanupFinished(removed, failed int)
}

type nopRecorder struct{}

func (nopRecorder) RunStarted(string)                           {}
func (nopRecorder) RunFinished(string, string, time.Duration)   {}
func (nopRecorder) StageFinished(string, string, time.Duration) {}
func (nopRecorder) CleanupFinished(int, int)                    {}

// Options configures an Orchestrator.
type Options struct {
	Workspace  *workspace.Workspace
	Tracker    *tracker.Tracker
	Runner     invoker.Runner
	Download   Tool
	Extract    Tool
	Transcribe Tool
	Whisper    Whisper
	Recorder   Recorder
	Log        *logrus.Entry
}

// Orchestrator runs pipelines. It is safe for concurrent use; each Run has
// its own token and tracked set.
type Orchestrator struct {
	ws       *workspace.Workspace
	tracker  *tracker.Tracker
	stages   []stageStep
	recorder Recorder
	log      *logrus.Entry
}

type stageStep struct {
	state State
	stage Stage
}

// New wires the three stages in their fixed order.
func New(opts Options) *Orchestrator {
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return newOrchestrator(opts, rec,
		&acquireStage{ws: opts.Workspace, runner: opts.Runner, tool: opts.Download, stat: os.Stat},
		&extractStage{ws: opts.Workspace, runner: opts.Runner, tool: opts.Extract, stat: os.Stat},
		&transcribeStage{runner: opts.Runner, tool: opts.Transcribe, whisper: opts.Whisper, readFile: os.ReadFile},
	)
}

func newOrchestrator(opts Options, rec Recorder, acquire, extract, transcribe Stage) *Orchestrator {
	return &Orchestrator{
		ws:      opts.Workspace,
		tracker: opts.Tracker,
		stages: []stageStep{
			{state: StateAcquiring, stage: acquire},
			{state: StateExtracting, stage: extract},
			{state: StateTranscribing, stage: transcribe},
		},
		recorder: rec,
		log:      opts.Log.WithField("component", "pipeline"),
	}
}

// Workspace exposes the run namespace so callers can place uploads in it.
func (o *Orchestrator) Workspace() *workspace.Workspace {
	return o.ws
}

// Run executes one request to completion. On failure the returned error is
// a *Error. All tracked files are deleted before Run returns, including when
// a stage panics.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	if req.Token == "" {
		req.Token = NewRunToken()
	}
	res = Result{Token: req.Token, Source: req.Kind, States: []State{StateStart}}
	log := o.log.WithFields(logrus.Fields{"run_id": req.Token, "source_kind": req.Kind})

	paths, openErr := o.tracker.Open(req.Token)
	if openErr != nil {
		return res, &Error{Kind: KindInvalidInput, Stage: StageRequest, Message: "run already in progress", Err: openErr}
	}

	run := &Run{Token: req.Token, Request: req, Paths: paths, Log: log}
	o.recorder.RunStarted(string(req.Kind))

	defer func() {
		outcome := string(KindOf(err))
		p := recover()
		if p != nil {
			outcome = "panic"
		}
		report := paths.Release()
		o.recorder.CleanupFinished(len(report.Removed), len(report.Failed))
		res.Cleanup = report
		res.Invocations = run.invocations
		res.Duration = time.Since(start)
		o.recorder.RunFinished(string(req.Kind), outcome, res.Duration)
		if p != nil {
			panic(p)
		}
	}()

	// an upload is ours to clean up even when the request is rejected
	if req.Kind == SourceUpload && req.Source != "" {
		paths.Register(req.Source)
	}
	if err = validate(req); err != nil {
		res.States = append(res.States, StateFailed)
		log.WithField("error", err.Error()).Warn("rejected pipeline request")
		return res, err
	}

	log.Info("pipeline started")
	current := StateStart
	var art Artifact
	for _, step := range o.stages {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = &Error{
				Kind:    KindCanceled,
				Stage:   step.stage.Name(),
				Message: step.stage.Name().label() + " canceled",
				Err:     ctxErr,
			}
			break
		}

		current = o.transition(&res, log, current, step.state)
		stageStart := time.Now()
		out, stageErr := step.stage.Execute(ctx, run, art)
		o.recorder.StageFinished(string(step.stage.Name()), string(KindOf(stageErr)), time.Since(stageStart))
		if stageErr != nil {
			err = asStageError(step.stage.Name(), stageErr)
			break
		}
		log.WithFields(logrus.Fields{
			"stage":       step.stage.Name(),
			"role":        out.Role,
			"duration_ms": time.Since(stageStart).Milliseconds(),
		}).Debug("stage finished")
		art = out
	}

	if err != nil {
		o.transition(&res, log, current, StateFailed)
		o.logFailure(log, err)
		return res, err
	}

	o.transition(&res, log, current, StateDone)
	res.Transcript = art.Text
	log.WithField("transcript_chars", len(res.Transcript)).Info("pipeline finished")
	return res, nil
}

func (o *Orchestrator) transition(res *Result, log *logrus.Entry, from, to State) State {
	if !validTransition(from, to) {
		panic(fmt.Sprintf("pipeline: invalid transition %s -> %s", from, to))
	}
	res.States = append(res.States, to)
	log.WithField("state", to).Debug("pipeline transition")
	return to
}

func (o *Orchestrator) logFailure(log *logrus.Entry, err error) {
	var pErr *Error
	if !errors.As(err, &pErr) {
		log.WithField("error", err.Error()).Error("pipeline failed")
		return
	}
	entry := log.WithFields(logrus.Fields{
		"stage": pErr.Stage,
		"kind":  pErr.Kind,
		"error": err.Error(),
	})
	if pErr.Invocation != nil {
		entry = entry.WithFields(logrus.Fields{
			"tool":      pErr.Invocation.Command,
			"exit_code": pErr.Invocation.ExitCode,
			"stderr":    strings.TrimSpace(pErr.Invocation.Stderr),
		})
	}
	if pErr.Kind == KindCanceled {
		entry.Info("pipeline canceled")
		return
	}
	entry.Warn("pipeline failed")
}

func validate(req Request) error {
	if strings.TrimSpace(req.Source) == "" {
		return invalidInput("no media file or URL provided")
	}
	switch req.Kind {
	case SourceUpload, SourceURL:
		return nil
	}
	return invalidInput(fmt.Sprintf("unknown source kind %q", req.Kind))
}

// asStageError makes sure anything a stage returns is a classified *Error.
func asStageError(stage StageName, err error) error {
	var pErr *Error
	if errors.As(err, &pErr) {
		return err
	}
	return &Error{Kind: KindToolFailed, Stage: stage, Message: stage.label() + " failed", Err: err}
}

package pipeline

import (
	"errors"
	"fmt"

	"media-transcribe-go/internal/invoker"
)

// Kind classifies why a run failed.
type Kind string

const (
	KindToolUnavailable      Kind = "tool_unavailable"
	KindToolTimedOut         Kind = "tool_timed_out"
	KindToolFailed           Kind = "tool_failed"
	KindAcquisitionFailed    Kind = "acquisition_failed"
	KindExtractionFailed     Kind = "extraction_failed"
	KindTranscriptionFailed  Kind = "transcription_failed"
	KindTranscriptUnreadable Kind = "transcript_unreadable"
	KindInvalidInput         Kind = "invalid_input"
	KindCanceled             Kind = "canceled"
)

// Retryable reports whether resubmitting the same source may succeed.
func (k Kind) Retryable() bool {
	return k == KindToolTimedOut || k == KindAcquisitionFailed
}

// StageName names a pipeline stage.
type StageName string

const (
	StageRequest    StageName = "request"
	StageAcquire    StageName = "acquire"
	StageExtract    StageName = "extract"
	StageTranscribe StageName = "transcribe"
)

// label is the stage as users read it.
func (s StageName) label() string {
	switch s {
	case StageAcquire:
		return "media download"
	case StageExtract:
		return "audio extraction"
	case StageTranscribe:
		return "transcription"
	default:
		return "request"
	}
}

// Error is a classified, stage-scoped failure. Message is safe to show to
// clients; Err and Invocation carry diagnostics that may contain paths.
type Error struct {
	Kind       Kind
	Stage      StageName
	Message    string
	Invocation *invoker.Result
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the failure kind carried by err, or "" for nil.
// Errors that are not *Error count as KindToolFailed.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind
	}
	return KindToolFailed
}

func invalidInput(msg string) *Error {
	return &Error{Kind: KindInvalidInput, Stage: StageRequest, Message: msg}
}

// toolError classifies a failed invocation. Unavailable, timed out and
// canceled tools keep those kinds; any other failure takes the stage's kind.
func toolError(stage StageName, stageKind Kind, res invoker.Result, err error) *Error {
	e := &Error{Stage: stage, Invocation: &res, Err: err}
	switch {
	case errors.Is(err, invoker.ErrCanceled):
		e.Kind = KindCanceled
		e.Message = stage.label() + " canceled"
	case errors.Is(err, invoker.ErrToolUnavailable):
		e.Kind = KindToolUnavailable
		e.Message = stage.label() + " tool is unavailable"
	case errors.Is(err, invoker.ErrToolTimedOut):
		e.Kind = KindToolTimedOut
		e.Message = stage.label() + " timed out"
	default:
		e.Kind = stageKind
		e.Message = stage.label() + " failed"
	}
	return e
}

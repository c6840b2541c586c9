package types

import "time"

// TranscriptResponse is the success payload of the transcription routes.
type TranscriptResponse struct {
	Transcript string `json:"transcript"`
	RunID      string `json:"run_id,omitempty"`
}

// ErrorResponse is returned for every failed request. Message names the
// failing stage but never includes filesystem paths or tool output.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Stage string `json:"stage,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

// URLRequest is the body of POST /youtube.
type URLRequest struct {
	URL string `json:"url"`
}

type DiagnosticStatus string

const (
	DiagnosticStatusPass DiagnosticStatus = "pass"
	DiagnosticStatusFail DiagnosticStatus = "fail"
)

// DiagnosticItem is one health check result with optional hint.
type DiagnosticItem struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Status  DiagnosticStatus `json:"status"`
	Message string           `json:"message"`
	Hint    string           `json:"hint,omitempty"`
}

// DiagnosticReport aggregates health checks.
type DiagnosticReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	HasFailures bool             `json:"has_failures"`
	Items       []DiagnosticItem `json:"items"`
}

// ManifestRow is one media URL read from a batch manifest.
type ManifestRow struct {
	Row int    `json:"row"`
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
}

// BatchResult is the outcome of transcribing one manifest row.
type BatchResult struct {
	ManifestRow
	RunID      string `json:"run_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Error      string `json:"error,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
}

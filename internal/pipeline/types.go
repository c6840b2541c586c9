package pipeline

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"media-transcribe-go/internal/invoker"
	"media-transcribe-go/internal/tracker"
)

// SourceKind says where the media for a run comes from.
type SourceKind string

const (
	SourceUpload SourceKind = "uploaded-file"
	SourceURL    SourceKind = "remote-url"
)

// Role tags what an artifact is.
type Role string

const (
	RoleSourceMedia Role = "source-media"
	RoleAudio       Role = "audio"
	RoleTranscript  Role = "transcript"
)

// Request identifies one run and its source. Source is a filesystem path
// for SourceUpload and a URL for SourceURL.
type Request struct {
	Token  string
	Kind   SourceKind
	Source string
}

// NewRunToken returns a fresh unique run token.
func NewRunToken() string {
	return uuid.NewString()
}

// NewUploadRequest wraps an upload already saved at path.
func NewUploadRequest(token, path string) Request {
	return Request{Token: token, Kind: SourceUpload, Source: path}
}

// NewURLRequest starts a run for a remote media URL.
func NewURLRequest(url string) Request {
	return Request{Token: NewRunToken(), Kind: SourceURL, Source: strings.TrimSpace(url)}
}

// Artifact is a file produced by a stage. Text is only set for the
// transcript role and holds the content read from Path.
type Artifact struct {
	Role  Role
	Path  string
	Token string
	Text  string
}

// Run is the per-run context handed to each stage.
type Run struct {
	Token   string
	Request Request
	Paths   *tracker.Set
	Log     *logrus.Entry

	invocations []invoker.Result
}

func (r *Run) record(res invoker.Result) {
	r.invocations = append(r.invocations, res)
}

// State is a position in the run state machine.
type State string

const (
	StateStart        State = "start"
	StateAcquiring    State = "acquiring"
	StateExtracting   State = "extracting"
	StateTranscribing State = "transcribing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// validTransition enforces Start -> Acquiring -> Extracting -> Transcribing
// -> Done, with Failed reachable from every non-terminal state.
func validTransition(from, to State) bool {
	switch from {
	case StateStart:
		return to == StateAcquiring || to == StateFailed
	case StateAcquiring:
		return to == StateExtracting || to == StateFailed
	case StateExtracting:
		return to == StateTranscribing || to == StateFailed
	case StateTranscribing:
		return to == StateDone || to == StateFailed
	default:
		return false
	}
}

// Result is what a finished run reports back.
type Result struct {
	Token       string
	Source      SourceKind
	Transcript  string
	States      []State
	Invocations []invoker.Result
	Duration    time.Duration
	Cleanup     tracker.Report
}

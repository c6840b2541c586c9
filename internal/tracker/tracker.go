// Package tracker records the filesystem paths each pipeline run creates and
// deletes them when the run ends.
package tracker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrRunActive is returned by Open when the token already has a live set.
var ErrRunActive = errors.New("run token already active")

// Report summarizes one ReleaseAll call.
type Report struct {
	Removed []string
	Missing []string
	Failed  map[string]error
}

// Tracker maps run tokens to the ordered paths registered for them.
type Tracker struct {
	mu     sync.Mutex
	runs   map[string]*pathSet
	remove func(string) error
	log    *logrus.Entry
}

type pathSet struct {
	order []string
	seen  map[string]struct{}
}

// New returns a tracker that deletes with os.Remove.
func New(log *logrus.Entry) *Tracker {
	return &Tracker{
		runs:   make(map[string]*pathSet),
		remove: os.Remove,
		log:    log.WithField("component", "tracker"),
	}
}

// NewForTests returns a tracker with an injectable remove function.
func NewForTests(log *logrus.Entry, remove func(string) error) *Tracker {
	t := New(log)
	t.remove = remove
	return t
}

// Open starts tracking for token and returns the run's scoped handle.
// Callers must defer Release on the returned set.
func (t *Tracker) Open(token string) (*Set, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.runs[token]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, token)
	}
	t.runs[token] = newPathSet()
	return &Set{tracker: t, token: token}, nil
}

// Register records path for token. Duplicate paths are ignored. Tokens that
// were never opened, or are already released, are ignored and logged: only
// Open creates a set, so nothing would ever release one made here.
func (t *Tracker) Register(token, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.runs[token]
	if !ok {
		t.log.WithFields(logrus.Fields{"run_id": token, "path": path}).Warn("register on a run that is not open, ignoring")
		return
	}
	if _, dup := set.seen[path]; dup {
		return
	}
	set.seen[path] = struct{}{}
	set.order = append(set.order, path)
}

// Paths returns a copy of the paths registered for token, in order.
func (t *Tracker) Paths(token string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.runs[token]
	if !ok {
		return nil
	}
	return append([]string(nil), set.order...)
}

// Active reports how many runs currently hold a tracked set.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}

// ReleaseAll deletes every path registered for token in registration order
// and forgets the token. Missing files are not errors. Other deletion
// failures are logged and reported but never returned as an error. A second
// call for the same token does nothing.
func (t *Tracker) ReleaseAll(token string) Report {
	t.mu.Lock()
	set, ok := t.runs[token]
	delete(t.runs, token)
	t.mu.Unlock()

	report := Report{}
	if !ok {
		return report
	}

	log := t.log.WithField("run_id", token)
	for _, path := range set.order {
		err := t.remove(path)
		switch {
		case err == nil:
			report.Removed = append(report.Removed, path)
		case errors.Is(err, fs.ErrNotExist):
			report.Missing = append(report.Missing, path)
		default:
			if report.Failed == nil {
				report.Failed = make(map[string]error)
			}
			report.Failed[path] = err
			log.WithField("path", path).WithField("error", err.Error()).Warn("failed to delete temp file")
		}
	}

	log.WithFields(logrus.Fields{
		"removed": len(report.Removed),
		"missing": len(report.Missing),
		"failed":  len(report.Failed),
	}).Debug("released run artifacts")
	return report
}

func newPathSet() *pathSet {
	return &pathSet{seen: make(map[string]struct{})}
}

// Set is one run's view of the tracker.
type Set struct {
	tracker *Tracker
	token   string
	once    sync.Once
	report  Report
}

// Token returns the run token this set belongs to.
func (s *Set) Token() string {
	return s.token
}

// Register records a path the run has created or is about to create.
func (s *Set) Register(path string) {
	s.tracker.Register(s.token, path)
}

// Paths returns the paths registered so far.
func (s *Set) Paths() []string {
	return s.tracker.Paths(s.token)
}

// Release deletes everything registered for the run. Only the first call
// does any work; later calls return the first report.
func (s *Set) Release() Report {
	s.once.Do(func() {
		s.report = s.tracker.ReleaseAll(s.token)
	})
	return s.report
}

// Package workspace namespaces run artifacts under a single root directory.
// Every file a run creates is named "<run token>-<name>", so concurrent runs
// never share a path.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Workspace struct {
	root string
	now  func() time.Time
	log  *logrus.Entry
}

func New(root string, log *logrus.Entry) *Workspace {
	return &Workspace{
		root: filepath.Clean(root),
		now:  time.Now,
		log:  log.WithField("component", "workspace").WithField("root", root),
	}
}

func (w *Workspace) Root() string {
	return w.root
}

// Ensure creates the root directory if needed.
func (w *Workspace) Ensure() error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("create work root %s: %w", w.root, err)
	}
	return nil
}

// Path returns the artifact path for name within the token's namespace.
// Directory components in name are dropped.
func (w *Workspace) Path(token, name string) string {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		name = "artifact"
	}
	return filepath.Join(w.root, token+"-"+name)
}

// Sweep removes regular files in the root whose modification time is older
// than maxAge. It returns how many files were removed.
func (w *Workspace) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read work root: %w", err)
	}

	cutoff := w.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(w.root, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.log.WithField("path", path).WithField("error", err.Error()).Warn("sweep could not delete stale file")
			continue
		}
		removed++
	}
	if removed > 0 {
		w.log.WithField("removed", removed).Info("swept stale artifacts")
	}
	return removed, nil
}

// RunSweeper sweeps every interval until ctx is done. onSwept, if set,
// receives the count removed by each pass.
func (w *Workspace) RunSweeper(ctx context.Context, interval, maxAge time.Duration, onSwept func(int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.Sweep(maxAge)
			if err != nil {
				w.log.WithField("error", err.Error()).Warn("stale sweep failed")
			}
			if onSwept != nil {
				onSwept(n)
			}
		}
	}
}

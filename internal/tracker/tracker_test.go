package tracker

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	return logrus.NewEntry(l)
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mustOpen(t *testing.T, tr *Tracker, token string) *Set {
	t.Helper()
	set, err := tr.Open(token)
	if err != nil {
		t.Fatalf("Open(%q) error = %v", token, err)
	}
	return set
}

func TestReleaseAllRemovesInOrderAndForgets(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	touch(t, a)
	touch(t, b)

	var order []string
	tr := NewForTests(quietLogger(), func(p string) error {
		order = append(order, p)
		return os.Remove(p)
	})
	mustOpen(t, tr, "run1")
	tr.Register("run1", a)
	tr.Register("run1", b)
	tr.Register("run1", a)

	report := tr.ReleaseAll("run1")
	if !reflect.DeepEqual(order, []string{a, b}) {
		t.Fatalf("remove order = %v", order)
	}
	if len(report.Removed) != 2 {
		t.Fatalf("removed = %v", report.Removed)
	}
	for _, p := range []string{a, b} {
		if _, err := os.Stat(p); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("%s still exists", p)
		}
	}
	if tr.Active() != 0 {
		t.Fatalf("active = %d, want 0", tr.Active())
	}
}

func TestReleaseAllSecondCallIsNoop(t *testing.T) {
	calls := 0
	tr := NewForTests(quietLogger(), func(string) error {
		calls++
		return nil
	})
	mustOpen(t, tr, "run1")
	tr.Register("run1", "/tmp/whatever")
	tr.ReleaseAll("run1")
	report := tr.ReleaseAll("run1")

	if calls != 1 {
		t.Fatalf("remove calls = %d, want 1", calls)
	}
	if len(report.Removed)+len(report.Missing)+len(report.Failed) != 0 {
		t.Fatalf("second release did work: %+v", report)
	}
}

func TestReleaseAllContinuesPastFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	boom := errors.New("permission denied")
	tr := NewForTests(logrus.NewEntry(logger), func(p string) error {
		switch p {
		case "missing":
			return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
		case "locked":
			return boom
		}
		return nil
	})
	mustOpen(t, tr, "run1")
	for _, p := range []string{"missing", "locked", "ok"} {
		tr.Register("run1", p)
	}

	report := tr.ReleaseAll("run1")
	if !reflect.DeepEqual(report.Removed, []string{"ok"}) {
		t.Fatalf("removed = %v", report.Removed)
	}
	if !reflect.DeepEqual(report.Missing, []string{"missing"}) {
		t.Fatalf("missing = %v", report.Missing)
	}
	if report.Failed["locked"] != boom {
		t.Fatalf("failed = %v", report.Failed)
	}
	// only the real failure is logged as a warning
	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	if warnings != 1 {
		t.Fatalf("warnings = %d, want 1", warnings)
	}
}

func TestOpenRejectsActiveToken(t *testing.T) {
	tr := New(quietLogger())
	set, err := tr.Open("run1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := tr.Open("run1"); !errors.Is(err, ErrRunActive) {
		t.Fatalf("second Open err = %v, want ErrRunActive", err)
	}
	set.Release()
	if _, err := tr.Open("run1"); err != nil {
		t.Fatalf("Open after release error = %v", err)
	}
}

func TestSetsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	tr := New(quietLogger())
	s1, _ := tr.Open("one")
	s2, _ := tr.Open("two")
	p1 := filepath.Join(dir, "one.wav")
	p2 := filepath.Join(dir, "two.wav")
	touch(t, p1)
	touch(t, p2)
	s1.Register(p1)
	s2.Register(p2)

	s1.Release()
	if _, err := os.Stat(p2); err != nil {
		t.Fatalf("releasing one run touched another: %v", err)
	}
	if got := s2.Paths(); !reflect.DeepEqual(got, []string{p2}) {
		t.Fatalf("paths = %v", got)
	}
	first := s2.Release()
	again := s2.Release()
	if !reflect.DeepEqual(first, again) {
		t.Fatalf("repeated Release returned a different report")
	}
}

func TestRegisterIgnoresRunsThatAreNotOpen(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tr := NewForTests(logrus.NewEntry(logger), func(string) error { return nil })

	tr.Register("never-opened", "/tmp/a")
	if tr.Active() != 0 {
		t.Fatalf("register created a set nobody will release: active = %d", tr.Active())
	}

	set := mustOpen(t, tr, "run1")
	set.Register("/tmp/b")
	set.Release()
	tr.Register("run1", "/tmp/late")
	if tr.Active() != 0 {
		t.Fatalf("late register revived a released run: active = %d", tr.Active())
	}
	if got := tr.Paths("run1"); got != nil {
		t.Fatalf("paths = %v, want none", got)
	}

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	if warnings != 2 {
		t.Fatalf("warnings = %d, want 2", warnings)
	}
}

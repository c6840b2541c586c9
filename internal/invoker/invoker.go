// Package invoker runs external tools to completion with discrete argument
// lists and classifies how they ended.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrToolUnavailable means the process could not be started.
	ErrToolUnavailable = errors.New("tool unavailable")
	// ErrToolTimedOut means the process outlived its timeout and was killed.
	ErrToolTimedOut = errors.New("tool timed out")
	// ErrToolFailed means the process ran and exited unsuccessfully.
	ErrToolFailed = errors.New("tool failed")
	// ErrCanceled means the caller's context was canceled mid-run.
	ErrCanceled = errors.New("tool invocation canceled")
)

const defaultMaxOutput = 64 << 10

// Command is one external invocation. Args are passed to the process as-is,
// never through a shell.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

// String renders the command for logs, quoting arguments that need it.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, a := range c.Args {
		if a == "" || strings.ContainsAny(a, " \t\n\"'\\$`") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Result captures what one invocation produced.
type Result struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// ExitError reports a non-zero exit. It matches ErrToolFailed.
type ExitError struct {
	Tool   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Tool, e.Code)
}

// Is lets errors.Is(err, ErrToolFailed) match exit failures.
func (e *ExitError) Is(target error) bool {
	return target == ErrToolFailed
}

// Runner abstracts process execution for testability.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec runs commands via os/exec.
type Exec struct {
	log       *logrus.Entry
	maxOutput int
	waitDelay time.Duration
}

// New returns an Exec that logs through log.
func New(log *logrus.Entry) *Exec {
	return &Exec{
		log:       log.WithField("component", "invoker"),
		maxOutput: defaultMaxOutput,
		waitDelay: 5 * time.Second,
	}
}

// Run starts the command, waits for it to exit and classifies the outcome.
// Stdout and stderr are kept for diagnostics only; success is decided by
// exit status alone.
func (e *Exec) Run(ctx context.Context, c Command) (Result, error) {
	res := Result{Command: c.Name, Args: c.Args, ExitCode: -1}
	if strings.TrimSpace(c.Name) == "" {
		return res, fmt.Errorf("%w: empty command name", ErrToolUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("%w: %s: %v", ErrCanceled, c.Name, err)
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	stdout := newTailBuffer(e.maxOutput)
	stderr := newTailBuffer(e.maxOutput)
	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = e.waitDelay
	configureKill(cmd)

	log := e.log.WithField("tool", c.Name)
	log.WithField("cmd", c.String()).Debug("invoking tool")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Duration = time.Since(start)
		return res, fmt.Errorf("%w: %s: %v", ErrToolUnavailable, c.Name, err)
	}
	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	log = log.WithFields(logrus.Fields{
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	})

	if waitErr == nil {
		log.Debug("tool finished")
		return res, nil
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		log.Info("tool killed after caller canceled")
		return res, fmt.Errorf("%w: %s", ErrCanceled, c.Name)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Warn("tool killed at the caller's deadline")
		return res, fmt.Errorf("%w: %s: caller deadline exceeded after %s", ErrToolTimedOut, c.Name, res.Duration.Round(time.Millisecond))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.WithField("timeout", c.Timeout.String()).Warn("tool timed out and was killed")
		return res, fmt.Errorf("%w: %s after %s", ErrToolTimedOut, c.Name, c.Timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return res, &ExitError{Tool: c.Name, Code: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("%w: %s: %v", ErrToolFailed, c.Name, waitErr)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= b.max {
		b.buf = append(b.buf[:0], p[len(p)-b.max:]...)
		return n, nil
	}
	if over := len(b.buf) + len(p) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}

// Package diagnostics checks that the external tools and the work root the
// pipeline depends on are usable.
package diagnostics

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"media-transcribe-go/internal/types"
)

// Tool names one executable the pipeline invokes.
type Tool struct {
	Role string
	Path string
}

// Checker validates external tools and the work root.
type Checker struct {
	tools      []Tool
	workRoot   string
	lookPath   func(string) (string, error)
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker(workRoot string, tools ...Tool) *Checker {
	return &Checker{
		tools:      tools,
		workRoot:   workRoot,
		lookPath:   exec.LookPath,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
	}
}

// NewCheckerForTests builds a checker with injectable OS dependencies.
func NewCheckerForTests(
	workRoot string,
	tools []Tool,
	lookPath func(string) (string, error),
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
) *Checker {
	return &Checker{
		tools:      tools,
		workRoot:   workRoot,
		lookPath:   lookPath,
		createTemp: createTemp,
		remove:     remove,
	}
}

// Run executes all checks and returns a combined report.
func (c *Checker) Run() types.DiagnosticReport {
	items := make([]types.DiagnosticItem, 0, len(c.tools)+1)
	for _, tool := range c.tools {
		items = append(items, c.checkTool(tool))
	}
	items = append(items, c.checkWorkRoot())

	hasFailures := false
	for _, item := range items {
		if item.Status == types.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	return types.DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}

// checkTool verifies a configured executable resolves.
func (c *Checker) checkTool(tool Tool) types.DiagnosticItem {
	item := types.DiagnosticItem{ID: "tool_" + tool.Role, Name: tool.Role}
	if _, err := c.lookPath(tool.Path); err != nil {
		item.Status = types.DiagnosticStatusFail
		item.Message = fmt.Sprintf("%s tool not found", tool.Role)
		item.Hint = "Install it and ensure the binary is on PATH or configure its full path."
		return item
	}
	item.Status = types.DiagnosticStatusPass
	item.Message = fmt.Sprintf("%s tool available", tool.Role)
	return item
}

// checkWorkRoot verifies run artifacts can be created.
func (c *Checker) checkWorkRoot() types.DiagnosticItem {
	item := types.DiagnosticItem{ID: "work_root", Name: "Work root"}
	f, err := c.createTemp(c.workRoot, ".probe-*")
	if err != nil {
		item.Status = types.DiagnosticStatusFail
		item.Message = "Work root is not writable."
		item.Hint = "Check that the configured work directory exists and is writable."
		return item
	}
	name := f.Name()
	_ = f.Close()
	_ = c.remove(name)

	item.Status = types.DiagnosticStatusPass
	item.Message = "Work root is writable."
	return item
}

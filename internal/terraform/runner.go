// Package terraform drives the terraform binary over per-project working
// directories. It never plans or applies anything itself: it writes HCL,
// runs the CLI with the acting profile's credentials injected, and reports
// the process outcome.
package terraform

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"time"
)

const (
	// DefaultTimeout bounds init, plan, apply and destroy.
	DefaultTimeout = 30 * time.Minute
	// ShowTimeout bounds `terraform show`.
	ShowTimeout = 60 * time.Second
)

var ansiEscape = regexp.MustCompile(`\x1B\[[0-?]*[ -/]*[@-~]`)

// StripANSI removes terminal escape sequences from CLI output.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// Command is one terraform invocation.
type Command struct {
	Dir     string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// Output is the raw outcome of a process run.
type Output struct {
	Stdout     string
	Stderr     string
	ReturnCode int
	TimedOut   bool
	Err        error // start failure or other non-exit error
}

// Runner executes terraform commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) Output
}

// ExecRunner runs the real binary.
type ExecRunner struct {
	Binary string
}

// Run executes cmd and waits for it, killing the process on timeout.
func (r ExecRunner) Run(ctx context.Context, cmd Command) Output {
	binary := r.Binary
	if binary == "" {
		binary = "terraform"
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, binary, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	out := Output{
		Stdout: StripANSI(stdout.String()),
		Stderr: StripANSI(stderr.String()),
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		out.ReturnCode = -1
		return out
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ReturnCode = exitErr.ExitCode()
	default:
		out.ReturnCode = -1
		out.Err = err
	}
	return out
}

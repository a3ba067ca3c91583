// Package execbox runs build and test commands inside a task workspace
// with a fixed PATH, a command allowlist, and a hard timeout.
package execbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// sandboxPath is the only PATH exposed to child processes.
const sandboxPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// allowedCommands is the closed set of executables candidates may invoke.
var allowedCommands = map[string]bool{
	"javac":     true,
	"mvn":       true,
	"gradlew":   true,
	"./gradlew": true,
	"pytest":    true,
	"ruff":      true,
	"black":     true,
	"node":      true,
	"npm":       true,
	"pnpm":      true,
	"npx":       true,
}

// Result captures one command run.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"-"`
}

// Runner executes allowlisted commands with a default timeout.
type Runner struct {
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithTimeout sets the default per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// NewRunner returns a Runner with a 300s default timeout.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		timeout: 300 * time.Second,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Allowed reports whether cmd is on the allowlist. The check is by the
// command token itself, so path tricks like /tmp/mvn are rejected.
func Allowed(cmd string) bool {
	return allowedCommands[cmd]
}

// Run executes argv[0] with argv[1:] in dir. Disallowed commands return
// exit code 1 without executing anything, missing executables return 127,
// and a timeout kills the process group and returns 124.
func (r *Runner) Run(ctx context.Context, dir string, argv []string, timeout time.Duration) Result {
	start := time.Now()
	if len(argv) == 0 {
		return Result{ExitCode: 1, Stderr: "empty command"}
	}
	name := argv[0]
	if !Allowed(name) {
		r.logger.Warn("command not allowlisted", "cmd", name)
		return Result{ExitCode: 1, Stderr: fmt.Sprintf("command not allowed: %s", name)}
	}
	if timeout <= 0 {
		timeout = r.timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prog := name
	if name == "./gradlew" || name == "gradlew" {
		prog = filepath.Join(dir, "gradlew")
	}

	cmd := exec.CommandContext(runCtx, prog, argv[1:]...)
	cmd.Dir = dir
	cmd.Env = []string{"PATH=" + sandboxPath, "HOME=" + dir}
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = 124
		res.Stderr = strings.TrimRight(res.Stderr, "\n") +
			fmt.Sprintf("\ncommand timed out after %s", timeout)
	case err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// executable missing or not startable
			res.ExitCode = 127
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}

	r.logger.Debug("command finished",
		"cmd", strings.Join(argv, " "),
		"rc", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds())
	return res
}

// Tail returns at most n trailing bytes of s, for log excerpts.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

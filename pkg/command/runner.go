// Package command runs the external tools the pipeline delegates to
// (version control, weight conversion, engine builds). Every invocation
// is synchronous and context-cancellable; output is streamed to the
// logger while a bounded tail is retained for error context.
package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Spec describes one external command invocation.
type Spec struct {
	// Path is the program to run, resolved via PATH if not absolute.
	Path string
	// Args are the program arguments, not including the program itself.
	Args []string
	// Dir is the working directory ("" means inherit).
	Dir string
	// Env holds additional environment variables layered over the
	// inherited environment.
	Env map[string]string
}

// CommandLine returns the invocation as a single human-readable string.
func (s Spec) CommandLine() string {
	return strings.Join(append([]string{s.Path}, s.Args...), " ")
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, spec Spec) error
}

// ExitError reports a command that started but exited nonzero,
// carrying enough context to be actionable from a log alone.
type ExitError struct {
	// Cmd is the full command line.
	Cmd string
	// Dir is the working directory the command ran in.
	Dir string
	// ExitCode is the command's exit status.
	ExitCode int
	// Output is the tail of the command's combined output.
	Output string
	// Err is the underlying exec error.
	Err error
}

// Error implements error.
func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", e.Cmd, e.ExitCode)
	if e.Dir != "" {
		msg += fmt.Sprintf(" (dir %s)", e.Dir)
	}
	if e.Output != "" {
		msg += "\noutput: " + e.Output
	}
	return msg
}

// Unwrap returns the underlying exec error.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands with os/exec, narrating each invocation and
// forwarding output to the logger.
type ExecRunner struct {
	log *logrus.Entry
}

// NewExecRunner creates a runner that logs through the given entry.
func NewExecRunner(log *logrus.Entry) *ExecRunner {
	return &ExecRunner{log: log}
}

// outputTailSize bounds how much command output is kept for errors.
const outputTailSize = 4096

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) error {
	dir := spec.Dir
	if dir == "" {
		if cwd, err := os.Getwd(); err == nil {
			dir = cwd
		}
	}
	r.log.Infof("Running: cd %s && %s", dir, spec.CommandLine())

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for _, k := range sortedKeys(spec.Env) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	tail := newTailBuffer(outputTailSize)
	logStream := r.log.WriterLevel(logrus.DebugLevel)
	defer logStream.Close()
	out := io.MultiWriter(logStream, tail)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return &ExitError{
			Cmd:      spec.CommandLine(),
			Dir:      spec.Dir,
			ExitCode: exitCode,
			Output:   strings.TrimSpace(tail.String()),
			Err:      err,
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package engine invokes the external engine-build collaborator, which
// compiles converted weights plus a flag set into a serialized runtime
// engine. Like conversion, the builder is a black box consumed through
// its command-line and exit contract.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-shellwords"
	"github.com/sirupsen/logrus"

	"github.com/modelforge/enginectl/pkg/command"
	"github.com/modelforge/enginectl/pkg/matrix"
)

// DefaultCommand is the builder program run when none is configured.
const DefaultCommand = "trt-build"

// Request describes one engine build: one variant consuming the
// converted weight tree of its precision.
type Request struct {
	// WeightsDir is the sharded weights directory for the variant's
	// precision.
	WeightsDir string
	// OutputDir is the engine output directory for this variant.
	OutputDir string
	// Variant carries the precision, flag set and base limits.
	Variant matrix.BuildVariant
}

// Builder is the external engine-build collaborator.
type Builder interface {
	// Build compiles the engine and returns its output directory.
	Build(ctx context.Context, req Request) (string, error)
}

// BuildError reports a failed engine build for one variant.
type BuildError struct {
	// Variant is the variant name whose build failed.
	Variant string
	// Err is the underlying error, typically a *command.ExitError.
	Err error
}

// Error implements error.
func (e *BuildError) Error() string {
	return fmt.Sprintf("building engine variant %s: %v", e.Variant, e.Err)
}

// Unwrap returns the underlying error.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// CommandBuilder runs a configurable external builder program.
type CommandBuilder struct {
	argv   []string
	runner command.Runner
	log    *logrus.Entry
}

// NewCommandBuilder parses the builder command line (shellwords, so it
// may carry leading arguments) and returns a Builder running it.
func NewCommandBuilder(commandLine string, runner command.Runner, log *logrus.Entry) (*CommandBuilder, error) {
	argv, err := shellwords.Parse(commandLine)
	if err != nil {
		return nil, fmt.Errorf("parsing builder command %q: %w", commandLine, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("builder command is empty")
	}
	return &CommandBuilder{argv: argv, runner: runner, log: log}, nil
}

// Build implements Builder. The argument list is the fixed base limits
// followed by the variant's dtype and feature flags.
func (b *CommandBuilder) Build(ctx context.Context, req Request) (string, error) {
	b.log.Debugf("Building variant %s from %s", req.Variant.Name, req.WeightsDir)
	args := append([]string{}, b.argv[1:]...)
	args = append(args, BuildArgs(req)...)
	err := b.runner.Run(ctx, command.Spec{Path: b.argv[0], Args: args})
	if err != nil {
		return "", &BuildError{Variant: req.Variant.Name, Err: err}
	}
	return req.OutputDir, nil
}

// BuildArgs returns the full builder argument list for a request:
// model and output directories, the six fixed base limits, the world
// size, the variant's dtype and its feature flags, in that order.
func BuildArgs(req Request) []string {
	base := req.Variant.Base
	args := []string{
		"--log_level=error",
		"--model_dir", req.WeightsDir,
		"--output_dir", req.OutputDir,
		fmt.Sprintf("--max_batch_size=%d", base.MaxBatchSize),
		fmt.Sprintf("--max_input_len=%d", base.MaxInputLen),
		fmt.Sprintf("--max_output_len=%d", base.MaxOutputLen),
		fmt.Sprintf("--max_beam_width=%d", base.MaxBeamWidth),
		fmt.Sprintf("--builder_opt=%d", base.BuilderOpt),
		fmt.Sprintf("--world_size=%d", base.WorldSize),
		fmt.Sprintf("--dtype=%s", req.Variant.Precision),
	}
	return append(args, req.Variant.ExtraFlags...)
}

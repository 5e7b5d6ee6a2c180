// Package convert invokes the external weight-conversion collaborator,
// which transforms a source checkout into a tensor-parallel-sharded
// weight tree. The converter is a black box; only its argument and exit
// contract matter here.
package convert

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mattn/go-shellwords"
	"github.com/sirupsen/logrus"

	"github.com/modelforge/enginectl/pkg/command"
	"github.com/modelforge/enginectl/pkg/matrix"
	"github.com/modelforge/enginectl/pkg/workspace"
)

// DefaultCommand is the converter program run when none is configured.
const DefaultCommand = "hf-gpt-convert"

// Spec describes one conversion: it is instantiated once per distinct
// precision in the variant matrix, never once per variant.
type Spec struct {
	// InputDir is the source model checkout.
	InputDir string
	// OutputDir is the conversion output root; the converter creates
	// the per-world-size shard directory beneath it.
	OutputDir string
	// StorageType is the target weight precision.
	StorageType matrix.Precision
	// TensorParallel is the number of weight shards to produce.
	TensorParallel int
}

// Converter is the external conversion collaborator.
type Converter interface {
	// Convert produces sharded weights for the spec and returns the
	// shard directory ({OutputDir}/{TensorParallel}-gpu).
	Convert(ctx context.Context, spec Spec) (string, error)
}

// ConversionError reports a failed conversion for one precision.
type ConversionError struct {
	// Precision is the storage type being converted to.
	Precision matrix.Precision
	// Err is the underlying error, typically a *command.ExitError.
	Err error
}

// Error implements error.
func (e *ConversionError) Error() string {
	return fmt.Sprintf("converting weights to %s: %v", e.Precision, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConversionError) Unwrap() error {
	return e.Err
}

// CommandConverter runs a configurable external converter program.
type CommandConverter struct {
	argv   []string
	runner command.Runner
	log    *logrus.Entry
}

// NewCommandConverter parses the converter command line (which may
// carry leading arguments, e.g. "python3 hf_gpt_convert.py") and
// returns a Converter running it.
func NewCommandConverter(commandLine string, runner command.Runner, log *logrus.Entry) (*CommandConverter, error) {
	argv, err := shellwords.Parse(commandLine)
	if err != nil {
		return nil, fmt.Errorf("parsing converter command %q: %w", commandLine, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("converter command is empty")
	}
	return &CommandConverter{argv: argv, runner: runner, log: log}, nil
}

// Convert implements Converter.
func (c *CommandConverter) Convert(ctx context.Context, spec Spec) (string, error) {
	c.log.Debugf("Converting %s to %s (tp=%d)", spec.InputDir, spec.StorageType, spec.TensorParallel)
	args := append([]string{}, c.argv[1:]...)
	args = append(args,
		"--in-file", spec.InputDir,
		"--out-dir", spec.OutputDir,
		"--storage-type", spec.StorageType.String(),
		"--tensor-parallelism", strconv.Itoa(spec.TensorParallel),
	)
	err := c.runner.Run(ctx, command.Spec{Path: c.argv[0], Args: args})
	if err != nil {
		return "", &ConversionError{Precision: spec.StorageType, Err: err}
	}
	return spec.ShardDir(), nil
}

// ShardDir returns the sharded weights directory the conversion
// produces.
func (s Spec) ShardDir() string {
	return filepath.Join(s.OutputDir, workspace.TPDirName(s.TensorParallel))
}

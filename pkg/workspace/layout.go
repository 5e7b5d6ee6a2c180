// Package workspace defines the on-disk layout shared by all pipeline
// stages. The directory tree doubles as the pipeline's cache: re-runs
// reuse whatever artifacts already exist under the same paths.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/modelforge/enginectl/pkg/matrix"
)

const (
	// convertedTree holds per-precision converted weights.
	convertedTree = "c-model"
	// engineTree holds built engines, one subdirectory per variant.
	engineTree = "rt_engine"
)

// DefaultRoot returns the default models directory. The
// ENGINECTL_MODELS_DIR environment variable takes precedence; otherwise
// a "models" directory under the current working directory is used.
func DefaultRoot() string {
	if dir := os.Getenv("ENGINECTL_MODELS_DIR"); dir != "" {
		return dir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "models"
	}
	return filepath.Join(cwd, "models")
}

// TPDirName returns the tensor-parallel shard directory name for the
// given world size (e.g. "2-gpu").
func TPDirName(worldSize int) string {
	return fmt.Sprintf("%d-gpu", worldSize)
}

// Layout derives every pipeline path deterministically from the models
// root and the (model, precision, variant, world size) coordinates. Two
// distinct variants never map to the same engine directory.
type Layout struct {
	root string
}

// NewLayout creates a layout rooted at the given models directory.
func NewLayout(root string) Layout {
	return Layout{root: root}
}

// Root returns the models root directory.
func (l Layout) Root() string {
	return l.root
}

// CheckoutDir returns the raw source checkout directory for a model.
func (l Layout) CheckoutDir(model string) string {
	return filepath.Join(l.root, model)
}

// ConvertedDir returns the conversion output root for a model at a
// given precision. The converter creates the per-world-size shard
// directory beneath it.
func (l Layout) ConvertedDir(model string, p matrix.Precision) string {
	return filepath.Join(l.root, convertedTree, model, p.Dir())
}

// ConvertedWeightsDir returns the sharded weights directory produced by
// the conversion stage for a (model, precision, world size) triple.
func (l Layout) ConvertedWeightsDir(model string, p matrix.Precision, worldSize int) string {
	return filepath.Join(l.ConvertedDir(model, p), TPDirName(worldSize))
}

// EngineTreeDir returns the root of all engine outputs for a model.
func (l Layout) EngineTreeDir(model string) string {
	return filepath.Join(l.root, engineTree, model)
}

// EngineDir returns the engine output directory for one variant.
func (l Layout) EngineDir(model, variant string, worldSize int) string {
	return filepath.Join(l.EngineTreeDir(model), variant, TPDirName(worldSize))
}

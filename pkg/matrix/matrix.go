// Package matrix defines the build-variant matrix: the fixed set of
// (precision, plugin flags) combinations compiled for a source model.
package matrix

import "fmt"

// Precision identifies the numeric storage type used for converted
// weights and engine computation.
type Precision string

const (
	// PrecisionFP32 is 32-bit floating point storage.
	PrecisionFP32 Precision = "float32"
	// PrecisionFP16 is 16-bit floating point storage.
	PrecisionFP16 Precision = "float16"
)

// String returns the storage-type spelling used on collaborator
// command lines (e.g. "float32").
func (p Precision) String() string {
	return string(p)
}

// Dir returns the short directory name for the precision (e.g. "fp32").
func (p Precision) Dir() string {
	switch p {
	case PrecisionFP32:
		return "fp32"
	case PrecisionFP16:
		return "fp16"
	}
	return string(p)
}

// Base build limits shared by every variant. These are constants of the
// pipeline, not configurable per variant.
const (
	MaxBatchSize = 256
	MaxInputLen  = 40
	MaxOutputLen = 20
	MaxBeamWidth = 2
	BuilderOpt   = 0
)

// BaseArgs holds the fixed build limits plus the requested
// tensor-parallel world size.
type BaseArgs struct {
	MaxBatchSize int
	MaxInputLen  int
	MaxOutputLen int
	MaxBeamWidth int
	BuilderOpt   int
	WorldSize    int
}

// DefaultBaseArgs returns the pipeline's fixed base build parameters
// for the given world size.
func DefaultBaseArgs(worldSize int) BaseArgs {
	return BaseArgs{
		MaxBatchSize: MaxBatchSize,
		MaxInputLen:  MaxInputLen,
		MaxOutputLen: MaxOutputLen,
		MaxBeamWidth: MaxBeamWidth,
		BuilderOpt:   BuilderOpt,
		WorldSize:    worldSize,
	}
}

// BuildVariant is one compiled engine artifact: a precision plus an
// ordered set of build-time feature toggles. Name is unique across the
// matrix and doubles as the engine output subdirectory.
type BuildVariant struct {
	// Name is the unique variant identifier (e.g. "fp16-plugin-packed").
	Name string
	// Precision is the weight storage type this variant is built from.
	Precision Precision
	// ExtraFlags are the variant's build-time feature toggles, passed
	// to the engine builder after the base arguments.
	ExtraFlags []string
	// Base carries the fixed build limits and world size.
	Base BaseArgs
}

// String returns a human-readable representation of the variant.
func (v BuildVariant) String() string {
	return fmt.Sprintf("%s (%s)", v.Name, v.Precision)
}

// Variants returns the fixed variant matrix for the given world size,
// in declaration order. All variants are independent; the order only
// affects log readability.
func Variants(worldSize int) []BuildVariant {
	base := DefaultBaseArgs(worldSize)
	return []BuildVariant{
		{
			Name:      "fp32-default",
			Precision: PrecisionFP32,
			Base:      base,
		},
		{
			Name:       "fp32-plugin",
			Precision:  PrecisionFP32,
			ExtraFlags: []string{"--use_gpt_attention_plugin=float32"},
			Base:       base,
		},
		{
			Name:      "fp16-default",
			Precision: PrecisionFP16,
			Base:      base,
		},
		{
			Name:       "fp16-plugin",
			Precision:  PrecisionFP16,
			ExtraFlags: []string{"--use_gpt_attention_plugin=float16"},
			Base:       base,
		},
		{
			Name:      "fp16-plugin-packed",
			Precision: PrecisionFP16,
			ExtraFlags: []string{
				"--use_gpt_attention_plugin=float16",
				"--remove_input_padding",
			},
			Base: base,
		},
		{
			Name:      "fp16-plugin-packed-paged",
			Precision: PrecisionFP16,
			ExtraFlags: []string{
				"--use_gpt_attention_plugin=float16",
				"--remove_input_padding",
				"--paged_kv_cache",
			},
			Base: base,
		},
	}
}

// Precisions returns the distinct precisions present in variants, in
// first-seen order. The conversion stage runs once per entry.
func Precisions(variants []BuildVariant) []Precision {
	seen := make(map[Precision]bool, 2)
	var out []Precision
	for _, v := range variants {
		if !seen[v.Precision] {
			seen[v.Precision] = true
			out = append(out, v.Precision)
		}
	}
	return out
}

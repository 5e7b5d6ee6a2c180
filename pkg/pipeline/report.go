package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/modelforge/enginectl/pkg/matrix"
)

// Status is the terminal state of one variant build.
type Status string

const (
	// StatusBuilt means the engine was built successfully.
	StatusBuilt Status = "built"
	// StatusFailed means the build collaborator failed for the variant.
	StatusFailed Status = "failed"
	// StatusSkipped means the build was never attempted, typically
	// because the variant's precision failed to convert or an earlier
	// failure aborted the run.
	StatusSkipped Status = "skipped"
)

// VariantResult is the outcome of one variant in a pipeline run.
type VariantResult struct {
	// Variant is the variant this result belongs to.
	Variant matrix.BuildVariant
	// EnginePath is the engine output directory (set when built).
	EnginePath string
	// Status is the terminal state.
	Status Status
	// Err is the failure or skip cause (nil when built).
	Err error
	// Duration is the wall-clock build time (zero when skipped).
	Duration time.Duration
}

// Report aggregates the outcome of a full pipeline run. One bad
// variant does not discard successfully built siblings; every variant
// appears here with its own result.
type Report struct {
	// Model is the source model name.
	Model string
	// TensorParallel is the requested world size.
	TensorParallel int
	// CheckoutPath is the fetched source checkout.
	CheckoutPath string
	// FetchDuration is the wall-clock time of the fetch stage.
	FetchDuration time.Duration
	// Started and Finished bound the whole run.
	Started  time.Time
	Finished time.Time
	// Results holds one entry per variant, in matrix order.
	Results []VariantResult
}

// Result returns the result for a variant name, or nil if absent.
func (r *Report) Result(name string) *VariantResult {
	for i := range r.Results {
		if r.Results[i].Variant.Name == name {
			return &r.Results[i]
		}
	}
	return nil
}

// Succeeded reports whether every variant was built.
func (r *Report) Succeeded() bool {
	return r.Err() == nil
}

// Err returns the joined errors of all failed or skipped variants, or
// nil when every variant was built.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Variant.Name, res.Err))
		}
	}
	return errors.Join(errs...)
}

// summary is the JSON shape of the durable build report.
type summary struct {
	Model          string           `json:"model"`
	TensorParallel int              `json:"tensor_parallel"`
	Started        time.Time        `json:"started"`
	Finished       time.Time        `json:"finished"`
	Variants       []summaryVariant `json:"variants"`
}

type summaryVariant struct {
	Name       string `json:"name"`
	Precision  string `json:"precision"`
	Status     string `json:"status"`
	EnginePath string `json:"engine_path,omitempty"`
	Duration   string `json:"duration,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WriteSummary writes the machine-readable build report atomically, so
// a crash mid-write never leaves a truncated report behind.
func (r *Report) WriteSummary(path string) error {
	s := summary{
		Model:          r.Model,
		TensorParallel: r.TensorParallel,
		Started:        r.Started,
		Finished:       r.Finished,
		Variants:       make([]summaryVariant, 0, len(r.Results)),
	}
	for _, res := range r.Results {
		sv := summaryVariant{
			Name:       res.Variant.Name,
			Precision:  res.Variant.Precision.String(),
			Status:     string(res.Status),
			EnginePath: res.EnginePath,
		}
		if res.Duration > 0 {
			sv.Duration = res.Duration.String()
		}
		if res.Err != nil {
			sv.Error = res.Err.Error()
		}
		s.Variants = append(s.Variants, sv)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding build report: %w", err)
	}
	if err := atomicwriter.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing build report %s: %w", path, err)
	}
	return nil
}

// Package pipeline sequences the build-matrix run: fetch the source
// model once, convert its weights once per distinct precision, then
// build every variant's engine from its precision's converted weights.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/modelforge/enginectl/pkg/convert"
	"github.com/modelforge/enginectl/pkg/engine"
	"github.com/modelforge/enginectl/pkg/fetch"
	"github.com/modelforge/enginectl/pkg/matrix"
	"github.com/modelforge/enginectl/pkg/workspace"
)

// SummaryFileName is the durable build report written under the
// model's engine tree after every run.
const SummaryFileName = "build-report.json"

// SourceFetcher acquires the source model. *fetch.Fetcher satisfies it.
type SourceFetcher interface {
	EnsureSourceModel(ctx context.Context, source fetch.ModelSource) (string, error)
}

// Driver runs the pipeline. By default it keeps going on per-variant
// failures and reports every outcome; WithFailFast restores the
// abort-on-first-failure behavior.
type Driver struct {
	layout    workspace.Layout
	fetcher   SourceFetcher
	converter convert.Converter
	builder   engine.Builder
	log       *logrus.Entry
	failFast  bool
	parallel  int
}

// Option configures the Driver.
type Option func(*Driver)

// WithLogger sets the driver's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Driver) {
		if log != nil {
			d.log = log
		}
	}
}

// WithFailFast aborts the run on the first conversion or build
// failure; remaining variants are reported as skipped. Fail-fast runs
// build serially.
func WithFailFast() Option {
	return func(d *Driver) {
		d.failFast = true
	}
}

// WithParallelBuilds allows up to n variant builds of the same
// precision to run concurrently. Builds for a precision still only
// start after its conversion completes, and distinct variants never
// share an output directory.
func WithParallelBuilds(n int) Option {
	return func(d *Driver) {
		if n > 1 {
			d.parallel = n
		}
	}
}

// New creates a pipeline driver over the given layout and
// collaborators.
func New(layout workspace.Layout, fetcher SourceFetcher, converter convert.Converter, builder engine.Builder, opts ...Option) *Driver {
	d := &Driver{
		layout:    layout,
		fetcher:   fetcher,
		converter: converter,
		builder:   builder,
		log:       logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunOptions parameterizes one pipeline run.
type RunOptions struct {
	// Source identifies the model to build engines for.
	Source fetch.ModelSource
	// TensorParallel is the world size (>= 1).
	TensorParallel int
}

// Run executes fetch, conversions and builds, returning the per-variant
// report. A non-nil error is returned only for infrastructure failures
// (invalid options, workspace lock, fetch); conversion and build
// failures are carried in the report, surfaced via Report.Err.
func (d *Driver) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if opts.Source.Name == "" {
		return nil, fmt.Errorf("model source name is required")
	}
	if opts.TensorParallel < 1 {
		return nil, fmt.Errorf("tensor-parallel world size must be >= 1, got %d", opts.TensorParallel)
	}

	lock, err := d.layout.Acquire(d.log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			d.log.WithError(err).Warn("Failed to release workspace lock")
		}
	}()

	model := opts.Source.Name
	tp := opts.TensorParallel
	report := &Report{
		Model:          model,
		TensorParallel: tp,
		Started:        time.Now(),
	}

	d.log.Infof("Fetching source model %s", model)
	fetchStart := time.Now()
	checkout, err := d.fetcher.EnsureSourceModel(ctx, opts.Source)
	if err != nil {
		return nil, err
	}
	report.CheckoutPath = checkout
	report.FetchDuration = time.Since(fetchStart)

	variants := matrix.Variants(tp)
	var abort error
	for _, precision := range matrix.Precisions(variants) {
		group := variantsOf(variants, precision)
		if abort != nil {
			d.appendSkipped(report, group, abort)
			continue
		}

		d.log.Infof("Converting %s weights to %s", model, precision)
		weights, err := d.converter.Convert(ctx, convert.Spec{
			InputDir:       checkout,
			OutputDir:      d.layout.ConvertedDir(model, precision),
			StorageType:    precision,
			TensorParallel: tp,
		})
		if err != nil {
			d.log.WithError(err).Errorf("Conversion to %s failed", precision)
			d.appendSkipped(report, group, err)
			if d.failFast {
				abort = err
			}
			continue
		}

		d.log.Infof("Building %s engines", precision.Dir())
		if d.parallel > 1 && !d.failFast {
			d.buildParallel(ctx, report, model, group, weights)
			continue
		}
		for _, v := range group {
			if abort != nil {
				d.appendSkipped(report, []matrix.BuildVariant{v}, abort)
				continue
			}
			res := d.buildOne(ctx, model, v, weights)
			report.Results = append(report.Results, res)
			if res.Err != nil && d.failFast {
				abort = res.Err
			}
		}
	}
	report.Finished = time.Now()

	d.writeSummary(report)

	if err := report.Err(); err != nil {
		d.log.Errorf("Pipeline finished with failures for %s", model)
	} else {
		d.log.Infof("Pipeline finished: %d engines built for %s", len(report.Results), model)
	}
	return report, nil
}

// buildOne builds a single variant and returns its result.
func (d *Driver) buildOne(ctx context.Context, model string, v matrix.BuildVariant, weights string) VariantResult {
	outputDir := d.layout.EngineDir(model, v.Name, v.Base.WorldSize)
	d.log.Infof("Building engine variant %s -> %s", v.Name, outputDir)
	start := time.Now()
	path, err := d.builder.Build(ctx, engine.Request{
		WeightsDir: weights,
		OutputDir:  outputDir,
		Variant:    v,
	})
	elapsed := time.Since(start)
	if err != nil {
		d.log.WithError(err).Errorf("Engine variant %s failed", v.Name)
		return VariantResult{Variant: v, Status: StatusFailed, Err: err, Duration: elapsed}
	}
	d.log.Infof("Engine variant %s built in %s", v.Name, units.HumanDuration(elapsed))
	return VariantResult{Variant: v, EnginePath: path, Status: StatusBuilt, Duration: elapsed}
}

// buildParallel builds a precision's variants concurrently, preserving
// matrix order in the report.
func (d *Driver) buildParallel(ctx context.Context, report *Report, model string, group []matrix.BuildVariant, weights string) {
	results := make([]VariantResult, len(group))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallel)
	for i, v := range group {
		i, v := i, v
		g.Go(func() error {
			results[i] = d.buildOne(gctx, model, v, weights)
			return nil
		})
	}
	_ = g.Wait()
	report.Results = append(report.Results, results...)
}

// appendSkipped records skipped results for variants that will not be
// attempted, attributing the cause.
func (d *Driver) appendSkipped(report *Report, group []matrix.BuildVariant, cause error) {
	for _, v := range group {
		report.Results = append(report.Results, VariantResult{
			Variant: v,
			Status:  StatusSkipped,
			Err:     fmt.Errorf("skipped: %w", cause),
		})
	}
}

// writeSummary persists the build report under the engine tree.
func (d *Driver) writeSummary(report *Report) {
	dir := d.layout.EngineTreeDir(report.Model)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.log.WithError(err).Warnf("Failed to create engine tree %s", dir)
		return
	}
	path := filepath.Join(dir, SummaryFileName)
	if err := report.WriteSummary(path); err != nil {
		d.log.WithError(err).Warn("Failed to write build report")
		return
	}
	d.log.Infof("Wrote build report %s", path)
}

// variantsOf returns the variants of one precision, in matrix order.
func variantsOf(variants []matrix.BuildVariant, p matrix.Precision) []matrix.BuildVariant {
	var out []matrix.BuildVariant
	for _, v := range variants {
		if v.Precision == p {
			out = append(out, v)
		}
	}
	return out
}

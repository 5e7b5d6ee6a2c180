package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/enginectl/pkg/convert"
	"github.com/modelforge/enginectl/pkg/engine"
	"github.com/modelforge/enginectl/pkg/fetch"
	"github.com/modelforge/enginectl/pkg/matrix"
	"github.com/modelforge/enginectl/pkg/workspace"
)

type fakeFetcher struct {
	layout workspace.Layout
	calls  int
	err    error
}

func (f *fakeFetcher) EnsureSourceModel(_ context.Context, source fetch.ModelSource) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.layout.CheckoutDir(source.Name), nil
}

type fakeConverter struct {
	specs  []convert.Spec
	failOn map[matrix.Precision]error
}

func (f *fakeConverter) Convert(_ context.Context, spec convert.Spec) (string, error) {
	f.specs = append(f.specs, spec)
	if err := f.failOn[spec.StorageType]; err != nil {
		return "", &convert.ConversionError{Precision: spec.StorageType, Err: err}
	}
	return spec.ShardDir(), nil
}

type fakeBuilder struct {
	mu     sync.Mutex
	reqs   []engine.Request
	failOn map[string]error
}

func (f *fakeBuilder) Build(_ context.Context, req engine.Request) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if err := f.failOn[req.Variant.Name]; err != nil {
		return "", &engine.BuildError{Variant: req.Variant.Name, Err: err}
	}
	return req.OutputDir, nil
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

type testHarness struct {
	layout    workspace.Layout
	fetcher   *fakeFetcher
	converter *fakeConverter
	builder   *fakeBuilder
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	layout := workspace.NewLayout(filepath.Join(t.TempDir(), "models"))
	return &testHarness{
		layout:    layout,
		fetcher:   &fakeFetcher{layout: layout},
		converter: &fakeConverter{},
		builder:   &fakeBuilder{},
	}
}

func (h *testHarness) driver(opts ...Option) *Driver {
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	return New(h.layout, h.fetcher, h.converter, h.builder, opts...)
}

func runOpts(tp int) RunOptions {
	return RunOptions{
		Source:         fetch.ModelSource{Name: "gpt2", CacheRoot: "/cache"},
		TensorParallel: tp,
	}
}

func TestRunSuccess(t *testing.T) {
	h := newHarness(t)
	report, err := h.driver().Run(context.Background(), runOpts(1))
	require.NoError(t, err)
	require.True(t, report.Succeeded())
	require.NoError(t, report.Err())

	require.Equal(t, 1, h.fetcher.calls)

	// Conversion runs once per distinct precision, never once per
	// variant.
	require.Len(t, h.converter.specs, 2)
	require.Equal(t, matrix.PrecisionFP32, h.converter.specs[0].StorageType)
	require.Equal(t, matrix.PrecisionFP16, h.converter.specs[1].StorageType)
	require.Equal(t, h.layout.ConvertedDir("gpt2", matrix.PrecisionFP32), h.converter.specs[0].OutputDir)

	require.Len(t, report.Results, 6)
	paths := make(map[string]bool)
	for _, res := range report.Results {
		require.Equal(t, StatusBuilt, res.Status)
		require.NoError(t, res.Err)
		require.False(t, paths[res.EnginePath], "duplicate engine path %s", res.EnginePath)
		paths[res.EnginePath] = true
	}
	require.Equal(t,
		h.layout.EngineDir("gpt2", "fp16-plugin-packed-paged", 1),
		report.Result("fp16-plugin-packed-paged").EnginePath)
}

func TestRunWeightReusePerPrecision(t *testing.T) {
	h := newHarness(t)
	_, err := h.driver().Run(context.Background(), runOpts(2))
	require.NoError(t, err)

	// Every variant of a precision consumes the same converted tree.
	fp16Weights := h.layout.ConvertedWeightsDir("gpt2", matrix.PrecisionFP16, 2)
	var fp16Builds int
	for _, req := range h.builder.reqs {
		if req.Variant.Precision == matrix.PrecisionFP16 {
			require.Equal(t, fp16Weights, req.WeightsDir)
			fp16Builds++
		}
	}
	require.Equal(t, 4, fp16Builds)
}

func TestRunPartialBuildFailure(t *testing.T) {
	h := newHarness(t)
	h.builder.failOn = map[string]error{"fp16-plugin": errors.New("compiler exploded")}

	report, err := h.driver().Run(context.Background(), runOpts(1))
	require.NoError(t, err)
	require.False(t, report.Succeeded())
	require.ErrorContains(t, report.Err(), "fp16-plugin")

	// The failure is attributed to its variant; siblings keep their
	// successful results.
	failed := report.Result("fp16-plugin")
	require.Equal(t, StatusFailed, failed.Status)
	var buildErr *engine.BuildError
	require.True(t, errors.As(failed.Err, &buildErr))
	require.Equal(t, "fp16-plugin", buildErr.Variant)

	require.Equal(t, StatusBuilt, report.Result("fp16-default").Status)
	require.Equal(t, StatusBuilt, report.Result("fp16-plugin-packed").Status)
	require.Len(t, h.builder.reqs, 6)
}

func TestRunConversionFailureSkipsPrecision(t *testing.T) {
	h := newHarness(t)
	h.converter.failOn = map[matrix.Precision]error{matrix.PrecisionFP16: errors.New("conversion blew up")}

	report, err := h.driver().Run(context.Background(), runOpts(1))
	require.NoError(t, err)
	require.False(t, report.Succeeded())

	require.Equal(t, StatusBuilt, report.Result("fp32-default").Status)
	require.Equal(t, StatusBuilt, report.Result("fp32-plugin").Status)
	for _, name := range []string{"fp16-default", "fp16-plugin", "fp16-plugin-packed", "fp16-plugin-packed-paged"} {
		res := report.Result(name)
		require.Equal(t, StatusSkipped, res.Status, name)
		var convErr *convert.ConversionError
		require.True(t, errors.As(res.Err, &convErr), name)
	}

	// Only the fp32 variants were attempted.
	require.Len(t, h.builder.reqs, 2)
}

func TestRunFailFast(t *testing.T) {
	h := newHarness(t)
	h.builder.failOn = map[string]error{"fp32-plugin": errors.New("boom")}

	report, err := h.driver(WithFailFast()).Run(context.Background(), runOpts(1))
	require.NoError(t, err)
	require.False(t, report.Succeeded())

	require.Equal(t, StatusBuilt, report.Result("fp32-default").Status)
	require.Equal(t, StatusFailed, report.Result("fp32-plugin").Status)
	for _, name := range []string{"fp16-default", "fp16-plugin", "fp16-plugin-packed", "fp16-plugin-packed-paged"} {
		require.Equal(t, StatusSkipped, report.Result(name).Status, name)
	}

	// The fp16 conversion is never attempted after the abort.
	require.Len(t, h.converter.specs, 1)
	require.Len(t, h.builder.reqs, 2)
}

func TestRunParallelBuilds(t *testing.T) {
	h := newHarness(t)
	report, err := h.driver(WithParallelBuilds(4)).Run(context.Background(), runOpts(1))
	require.NoError(t, err)
	require.True(t, report.Succeeded())
	require.Len(t, report.Results, 6)

	// Matrix order is preserved in the report even with concurrent
	// builds.
	var names []string
	for _, res := range report.Results {
		names = append(names, res.Variant.Name)
		require.Equal(t, StatusBuilt, res.Status)
	}
	require.Equal(t, []string{
		"fp32-default",
		"fp32-plugin",
		"fp16-default",
		"fp16-plugin",
		"fp16-plugin-packed",
		"fp16-plugin-packed-paged",
	}, names)
}

func TestRunFetchFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = &fetch.FetchError{Model: "gpt2", Op: "clone", Err: errors.New("network down")}

	_, err := h.driver().Run(context.Background(), runOpts(1))
	require.Error(t, err)
	var fetchErr *fetch.FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Empty(t, h.converter.specs)
	require.Empty(t, h.builder.reqs)
}

func TestRunInvalidWorldSize(t *testing.T) {
	h := newHarness(t)
	_, err := h.driver().Run(context.Background(), runOpts(0))
	require.Error(t, err)
	require.Equal(t, 0, h.fetcher.calls)
}

func TestRunWorkspaceLocked(t *testing.T) {
	h := newHarness(t)
	lock, err := h.layout.Acquire(testLogger())
	require.NoError(t, err)
	defer lock.Release()

	_, err = h.driver().Run(context.Background(), runOpts(1))
	require.ErrorIs(t, err, workspace.ErrWorkspaceLocked)
}

func TestRunReleasesLock(t *testing.T) {
	h := newHarness(t)
	_, err := h.driver().Run(context.Background(), runOpts(1))
	require.NoError(t, err)

	// The lock is released on exit, so a second run succeeds.
	_, err = h.driver().Run(context.Background(), runOpts(1))
	require.NoError(t, err)
}

func TestRunWritesSummary(t *testing.T) {
	h := newHarness(t)
	h.builder.failOn = map[string]error{"fp16-plugin": errors.New("boom")}

	report, err := h.driver().Run(context.Background(), runOpts(1))
	require.NoError(t, err)

	path := filepath.Join(h.layout.EngineTreeDir("gpt2"), SummaryFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var s struct {
		Model          string `json:"model"`
		TensorParallel int    `json:"tensor_parallel"`
		Variants       []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"variants"`
	}
	require.NoError(t, json.Unmarshal(data, &s))
	require.Equal(t, "gpt2", s.Model)
	require.Equal(t, 1, s.TensorParallel)
	require.Len(t, s.Variants, len(report.Results))
	for _, v := range s.Variants {
		if v.Name == "fp16-plugin" {
			require.Equal(t, "failed", v.Status)
			require.Contains(t, v.Error, "boom")
		} else {
			require.Equal(t, "built", v.Status)
		}
	}
}

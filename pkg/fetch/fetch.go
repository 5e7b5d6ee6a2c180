// Package fetch acquires the source model checkout and its binary
// weight file, using a remote repository mirror or a local cache
// directory. The stage is idempotent: re-running against a current
// checkout performs a no-op pull.
package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/modelforge/enginectl/pkg/command"
	"github.com/modelforge/enginectl/pkg/workspace"
)

const (
	// DefaultWeightFile is the canonical binary weight file name.
	DefaultWeightFile = "pytorch_model.bin"
	// alternateWeightFile is the alternate-format weight artifact
	// removed after fetch so conversion has exactly one input format.
	alternateWeightFile = "model.safetensors"
	// defaultRemoteBase is the public model repository host.
	defaultRemoteBase = "https://huggingface.co"
)

// ModelSource identifies the origin model. Immutable once resolved.
type ModelSource struct {
	// Name is the model name (e.g. "gpt2"); it is also the checkout
	// directory name.
	Name string
	// CacheRoot, if set, is a local directory holding pre-fetched model
	// repositories; the clone and the weight sync both read from it.
	CacheRoot string
	// RemoteURL overrides the default public remote for the clone.
	RemoteURL string
	// WeightFile overrides DefaultWeightFile.
	WeightFile string
}

// cloneURL returns the repository URL to clone from: the local cache
// when one is configured, the remote otherwise.
func (s ModelSource) cloneURL() string {
	if s.CacheRoot != "" {
		return "file://" + filepath.Join(s.CacheRoot, s.Name)
	}
	if s.RemoteURL != "" {
		return s.RemoteURL
	}
	return defaultRemoteBase + "/" + s.Name
}

// weightFile returns the weight file name to fetch.
func (s ModelSource) weightFile() string {
	if s.WeightFile != "" {
		return s.WeightFile
	}
	return DefaultWeightFile
}

// Fetcher ensures a local, up-to-date copy of a source model exists
// under the workspace layout.
type Fetcher struct {
	layout workspace.Layout
	runner command.Runner
	log    *logrus.Entry
}

// NewFetcher creates a fetcher over the given layout and runner.
func NewFetcher(layout workspace.Layout, runner command.Runner, log *logrus.Entry) *Fetcher {
	return &Fetcher{layout: layout, runner: runner, log: log}
}

// EnsureSourceModel makes sure the model checkout exists and holds the
// required weight file, returning the checkout path. An existing
// checkout is advanced to the latest upstream revision; an absent one
// is cloned shallowly with large-file auto-materialization suppressed,
// and the one required weight file is then fetched explicitly.
func (f *Fetcher) EnsureSourceModel(ctx context.Context, source ModelSource) (string, error) {
	checkout := f.layout.CheckoutDir(source.Name)

	info, err := os.Stat(checkout)
	switch {
	case err == nil && info.IsDir():
		if err := f.pull(ctx, source, checkout); err != nil {
			return "", err
		}
	case err == nil:
		return "", &FetchError{
			Model: source.Name,
			Op:    "clone",
			Err:   fmt.Errorf("checkout path %s exists but is not a directory", checkout),
		}
	case os.IsNotExist(err):
		if err := f.clone(ctx, source, checkout); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("inspecting checkout %s: %w", checkout, err)
	}

	if err := f.fetchWeights(ctx, source, checkout); err != nil {
		return "", err
	}

	// Downstream conversion must see exactly one weight format.
	alternate := filepath.Join(checkout, alternateWeightFile)
	if err := os.Remove(alternate); err == nil {
		f.log.Infof("Removed alternate-format weights %s", alternate)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("removing alternate weights %s: %w", alternate, err)
	}

	weightPath := filepath.Join(checkout, source.weightFile())
	st, err := os.Stat(weightPath)
	if err != nil || !st.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrMissingArtifact, weightPath)
	}
	f.log.Infof("Source model %s ready (%s, %s)",
		source.Name, weightPath, units.HumanSize(float64(st.Size())))
	return checkout, nil
}

// clone creates the checkout from the cache or the public remote,
// single-branch and with LFS smudge suppressed so no large file is
// materialized implicitly.
func (f *Fetcher) clone(ctx context.Context, source ModelSource, checkout string) error {
	parent := filepath.Dir(checkout)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return &FetchError{Model: source.Name, Op: "clone", Err: err}
	}
	err := f.runner.Run(ctx, command.Spec{
		Path: "git",
		Args: []string{"clone", source.cloneURL(), "--single-branch", source.Name},
		Dir:  parent,
		Env:  map[string]string{"GIT_LFS_SKIP_SMUDGE": "1"},
	})
	if err != nil {
		return &FetchError{Model: source.Name, Op: "clone", Err: err}
	}
	return nil
}

// pull advances an existing checkout to the latest upstream revision.
// A current checkout makes this a no-op.
func (f *Fetcher) pull(ctx context.Context, source ModelSource, checkout string) error {
	err := f.runner.Run(ctx, command.Spec{
		Path: "git",
		Args: []string{"pull"},
		Dir:  checkout,
	})
	if err != nil {
		return &FetchError{Model: source.Name, Op: "pull", Err: err}
	}
	return nil
}

// fetchWeights materializes the one required weight file: a direct sync
// from the cache when configured, an explicit LFS pull otherwise.
func (f *Fetcher) fetchWeights(ctx context.Context, source ModelSource, checkout string) error {
	if source.CacheRoot != "" {
		cached := filepath.Join(source.CacheRoot, source.Name, source.weightFile())
		err := f.runner.Run(ctx, command.Spec{
			Path: "rsync",
			Args: []string{"-av", cached, "."},
			Dir:  checkout,
		})
		if err != nil {
			return &FetchError{Model: source.Name, Op: "sync", Err: err}
		}
		return nil
	}
	err := f.runner.Run(ctx, command.Spec{
		Path: "git",
		Args: []string{"lfs", "pull", "--include", source.weightFile()},
		Dir:  checkout,
	})
	if err != nil {
		return &FetchError{Model: source.Name, Op: "lfs-pull", Err: err}
	}
	return nil
}

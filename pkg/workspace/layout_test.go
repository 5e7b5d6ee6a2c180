package workspace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelforge/enginectl/pkg/matrix"
)

func TestLayoutPaths(t *testing.T) {
	layout := NewLayout("/work/models")

	require.Equal(t, "/work/models/gpt2", layout.CheckoutDir("gpt2"))
	require.Equal(t, "/work/models/c-model/gpt2/fp32",
		layout.ConvertedDir("gpt2", matrix.PrecisionFP32))
	require.Equal(t, "/work/models/c-model/gpt2/fp16/2-gpu",
		layout.ConvertedWeightsDir("gpt2", matrix.PrecisionFP16, 2))
	require.Equal(t, "/work/models/rt_engine/gpt2", layout.EngineTreeDir("gpt2"))
}

func TestEnginePathDeterminism(t *testing.T) {
	// The engine path for a (model, variant, world size) triple must be
	// stable regardless of invocation order.
	layout := NewLayout("/work/models")
	want := filepath.Join("/work/models", "rt_engine", "gpt2", "fp16-plugin-packed-paged", "2-gpu")

	for i := 0; i < 3; i++ {
		require.Equal(t, want, layout.EngineDir("gpt2", "fp16-plugin-packed-paged", 2))
	}
	require.Equal(t, want, NewLayout("/work/models").EngineDir("gpt2", "fp16-plugin-packed-paged", 2))
}

func TestEnginePathsPairwiseDistinct(t *testing.T) {
	layout := NewLayout(t.TempDir())

	seen := make(map[string]string)
	for _, v := range matrix.Variants(2) {
		path := layout.EngineDir("gpt2", v.Name, 2)
		prev, dup := seen[path]
		require.False(t, dup, "variants %s and %s share engine path %s", prev, v.Name, path)
		seen[path] = v.Name
	}
}

func TestTPDirName(t *testing.T) {
	require.Equal(t, "1-gpu", TPDirName(1))
	require.Equal(t, "8-gpu", TPDirName(8))
}

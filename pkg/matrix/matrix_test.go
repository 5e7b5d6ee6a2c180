package matrix

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestVariantsShape(t *testing.T) {
	for _, worldSize := range []int{1, 2, 4, 8} {
		variants := Variants(worldSize)
		require.Len(t, variants, 6, "world size %d", worldSize)

		names := make([]string, 0, len(variants))
		seen := make(map[string]bool)
		for _, v := range variants {
			names = append(names, v.Name)
			require.False(t, seen[v.Name], "duplicate variant name %s", v.Name)
			seen[v.Name] = true
			require.Equal(t, worldSize, v.Base.WorldSize)
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
}

func TestVariantsFlags(t *testing.T) {
	expected := []BuildVariant{
		{
			Name:      "fp32-default",
			Precision: PrecisionFP32,
			Base:      DefaultBaseArgs(2),
		},
		{
			Name:       "fp32-plugin",
			Precision:  PrecisionFP32,
			ExtraFlags: []string{"--use_gpt_attention_plugin=float32"},
			Base:       DefaultBaseArgs(2),
		},
		{
			Name:      "fp16-default",
			Precision: PrecisionFP16,
			Base:      DefaultBaseArgs(2),
		},
		{
			Name:       "fp16-plugin",
			Precision:  PrecisionFP16,
			ExtraFlags: []string{"--use_gpt_attention_plugin=float16"},
			Base:       DefaultBaseArgs(2),
		},
		{
			Name:      "fp16-plugin-packed",
			Precision: PrecisionFP16,
			ExtraFlags: []string{
				"--use_gpt_attention_plugin=float16",
				"--remove_input_padding",
			},
			Base: DefaultBaseArgs(2),
		},
		{
			Name:      "fp16-plugin-packed-paged",
			Precision: PrecisionFP16,
			ExtraFlags: []string{
				"--use_gpt_attention_plugin=float16",
				"--remove_input_padding",
				"--paged_kv_cache",
			},
			Base: DefaultBaseArgs(2),
		},
	}

	if diff := cmp.Diff(expected, Variants(2)); diff != "" {
		t.Errorf("variant matrix mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultBaseArgs(t *testing.T) {
	base := DefaultBaseArgs(4)
	require.Equal(t, 256, base.MaxBatchSize)
	require.Equal(t, 40, base.MaxInputLen)
	require.Equal(t, 20, base.MaxOutputLen)
	require.Equal(t, 2, base.MaxBeamWidth)
	require.Equal(t, 0, base.BuilderOpt)
	require.Equal(t, 4, base.WorldSize)
}

func TestPrecisions(t *testing.T) {
	precisions := Precisions(Variants(1))
	require.Equal(t, []Precision{PrecisionFP32, PrecisionFP16}, precisions)
}

func TestPrecisionDir(t *testing.T) {
	require.Equal(t, "fp32", PrecisionFP32.Dir())
	require.Equal(t, "fp16", PrecisionFP16.Dir())
	require.Equal(t, "float32", PrecisionFP32.String())
	require.Equal(t, "float16", PrecisionFP16.String())
}

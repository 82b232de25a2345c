package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/forgeline/internal/config"
)

func fpDoc(version string) *config.Document {
	return config.NewDocument(map[string]any{
		"system": map[string]any{
			"version": cty.StringVal(version),
			"arch":    cty.StringVal("arm64"),
		},
	}, nil)
}

func fpPoint() PointConfig {
	return PointConfig{
		ID:              "base",
		AnchorTask:      "system.build",
		FingerprintFrom: []string{"system.version", "system.arch"},
		Targets:         map[string]string{"out": "build/system"},
	}
}

func TestComputeFingerprintDeterministic(t *testing.T) {
	doc := fpDoc("1.0")
	point := fpPoint()

	fp1, inputs, err := ComputeFingerprint(doc, point)
	require.NoError(t, err)
	fp2, _, err := ComputeFingerprint(doc, point)
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64, "hex sha256")
	assert.Equal(t, map[string]any{
		"system.version": "1.0",
		"system.arch":    "arm64",
	}, inputs)
}

func TestComputeFingerprintSensitivity(t *testing.T) {
	point := fpPoint()

	fp1, _, err := ComputeFingerprint(fpDoc("1.0"), point)
	require.NoError(t, err)
	fp2, _, err := ComputeFingerprint(fpDoc("2.0"), point)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2, "value change must change the digest")

	other := point
	other.AnchorTask = "other.build"
	fp3, _, err := ComputeFingerprint(fpDoc("1.0"), other)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3, "anchor task is part of the digest")
}

func TestComputeFingerprintAbsentPath(t *testing.T) {
	point := fpPoint()
	point.FingerprintFrom = []string{"system.version", "system.no_such_key"}

	fp, inputs, err := ComputeFingerprint(fpDoc("1.0"), point)
	require.NoError(t, err)
	assert.Nil(t, inputs["system.no_such_key"], "absent paths record null")
	assert.NotEmpty(t, fp)
}

func TestLineageDigest(t *testing.T) {
	d := LineageDigest("system.build", "abc")
	assert.Len(t, d, 64)
	assert.Equal(t, d, LineageDigest("system.build", "abc"))
	assert.NotEqual(t, d, LineageDigest("other.task", "abc"))
	assert.NotEqual(t, d, LineageDigest("system.build", "abd"))
}

func TestDiffInputs(t *testing.T) {
	old := map[string]any{"a": "1", "b": int64(2), "c": "same"}
	new := map[string]any{"a": "2", "c": "same", "d": true}

	changed := DiffInputs(old, new)
	assert.Equal(t, []string{"a", "b", "d"}, changed)

	assert.Empty(t, DiffInputs(old, old))

	// Values round-tripped through JSON compare equal to fresh ones.
	assert.Empty(t, DiffInputs(map[string]any{"n": int64(3)}, map[string]any{"n": float64(3)}))
}

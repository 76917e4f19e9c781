package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fingerid/retriever"
	"fingerid/scorer"
	"fingerid/types"
)

// hintExtractor derives the score hint from the first payload byte, fails
// with a quality error on "smudge" and a plain error on "bad".
type hintExtractor struct{}

func (hintExtractor) ExtractImageBytes(data []byte) (*types.FeatureSet, error) {
	switch {
	case string(data) == "smudge":
		return nil, &types.QualityError{Reason: "low_keypoint_count", KeypointCount: 42}
	case string(data) == "bad" || len(data) == 0:
		return nil, fmt.Errorf("unsupported image format")
	}
	return engineFeatureSet(float64(data[0])), nil
}

func newVerifyEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := testConfig()
	cfg.Workers = 2
	return New(cfg, hintExtractor{}, galleryOf(t, nil), retriever.Exhaustive{},
		scorer.New(hintMatcher{}, cfg.ConsistencyFraction))
}

func TestVerifyImagesMatch(t *testing.T) {
	eng := newVerifyEngine(t)

	result, err := eng.VerifyImages([]byte{1}, []byte{60}, 0)
	require.NoError(t, err)

	assert.True(t, result.Matched)
	assert.Equal(t, 60, result.Score)
	assert.Equal(t, 45, result.Threshold)
	assert.Equal(t, types.ReasonMatchFound, result.Reason)
	assert.Equal(t, 1, result.ProbeKeypoints)
	assert.Equal(t, 1, result.TemplateKeypoints)
	assert.Greater(t, result.Confidence, 0.0)
}

func TestVerifyImagesThresholdOverride(t *testing.T) {
	eng := newVerifyEngine(t)

	result, err := eng.VerifyImages([]byte{1}, []byte{60}, 70)
	require.NoError(t, err)

	assert.False(t, result.Matched)
	assert.Equal(t, 70, result.Threshold)
	assert.Equal(t, types.ReasonScoreTooLow, result.Reason)
}

func TestVerifyImagesLowQualityInputs(t *testing.T) {
	eng := newVerifyEngine(t)

	result, err := eng.VerifyImages([]byte("smudge"), []byte{60}, 0)
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Equal(t, types.ReasonProbeLowQuality, result.Reason)
	assert.Equal(t, 42, result.ProbeKeypoints)

	result, err = eng.VerifyImages([]byte{1}, []byte("smudge"), 0)
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Equal(t, types.ReasonTemplateLowQuality, result.Reason)
	assert.Equal(t, 42, result.TemplateKeypoints)
}

func TestVerifyTemplatesBestOfSupplied(t *testing.T) {
	eng := newVerifyEngine(t)

	templates := [][]byte{
		hintBlob(t, 55), // cached descriptor blob
		hintBlob(t, 20), // weaker blob
		nil,             // empty slot
		[]byte("bad"),   // neither blob nor image
	}

	result, err := eng.VerifyTemplates(context.Background(), []byte{1}, templates, 0)
	require.NoError(t, err)

	assert.True(t, result.Matched)
	assert.Equal(t, 55, result.Score)
	assert.Equal(t, types.ReasonMatchFound, result.Reason)
	assert.Len(t, result.PerTemplate, 4)
}

func TestVerifyTemplatesAcceptsRawImages(t *testing.T) {
	eng := newVerifyEngine(t)

	// A raw image payload is extracted on the fly, as at enrollment time.
	result, err := eng.VerifyTemplates(context.Background(), []byte{1}, [][]byte{{50}}, 0)
	require.NoError(t, err)

	assert.True(t, result.Matched)
	assert.Equal(t, 50, result.Score)
}

func TestVerifyTemplatesAllUnusable(t *testing.T) {
	eng := newVerifyEngine(t)

	result, err := eng.VerifyTemplates(context.Background(), []byte{1}, [][]byte{nil, []byte("bad")}, 0)
	require.NoError(t, err)

	assert.False(t, result.Matched)
	assert.Equal(t, types.ReasonEmptyTemplate, result.Reason)
	assert.Zero(t, result.Score)
}

func TestVerifyTemplatesLowQualityProbe(t *testing.T) {
	eng := newVerifyEngine(t)

	result, err := eng.VerifyTemplates(context.Background(), []byte("smudge"), [][]byte{hintBlob(t, 55)}, 0)
	require.NoError(t, err)

	assert.False(t, result.Matched)
	assert.Equal(t, types.ReasonProbeLowQuality, result.Reason)
}

func TestVerifyTemplatesHonorsDeadline(t *testing.T) {
	eng := newVerifyEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.VerifyTemplates(ctx, []byte{1}, [][]byte{hintBlob(t, 55)}, 0)
	assert.ErrorIs(t, err, types.ErrTimeout)
}

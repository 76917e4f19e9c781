package extractor

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"fingerid/types"
)

// descriptorMat builds an n x 128 float32 Mat where every value in row i
// equals i, so rows stay identifiable after reordering.
func descriptorMat(t *testing.T, n int) gocv.Mat {
	t.Helper()
	raw := make([]byte, n*types.DescriptorDim*4)
	for i := 0; i < n; i++ {
		for j := 0; j < types.DescriptorDim; j++ {
			off := (i*types.DescriptorDim + j) * 4
			binary.LittleEndian.PutUint32(raw[off:], math.Float32bits(float32(i)))
		}
	}
	mat, err := gocv.NewMatFromBytes(n, types.DescriptorDim, gocv.MatTypeCV32F, raw)
	require.NoError(t, err)
	return mat
}

func TestBuildFeatureSetOrdersByResponse(t *testing.T) {
	mat := descriptorMat(t, 3)
	defer mat.Close()

	keypoints := []gocv.KeyPoint{
		{X: 10, Y: 20, Response: 0.1},
		{X: 30, Y: 40, Response: 0.9},
		{X: 50, Y: 60, Response: 0.5},
	}

	fs, err := buildFeatureSet(keypoints, mat, 10)
	require.NoError(t, err)

	require.Equal(t, 3, fs.KeypointCount)
	assert.Equal(t, 0.9, fs.Keypoints[0].Response)
	assert.Equal(t, 0.5, fs.Keypoints[1].Response)
	assert.Equal(t, 0.1, fs.Keypoints[2].Response)

	// Descriptor rows must travel with their keypoints.
	assert.Equal(t, float32(1), fs.Descriptor(0)[0])
	assert.Equal(t, float32(2), fs.Descriptor(1)[0])
	assert.Equal(t, float32(0), fs.Descriptor(2)[0])
}

func TestBuildFeatureSetAppliesBudget(t *testing.T) {
	mat := descriptorMat(t, 4)
	defer mat.Close()

	keypoints := []gocv.KeyPoint{
		{X: 1, Response: 0.4},
		{X: 2, Response: 0.8},
		{X: 3, Response: 0.6},
		{X: 4, Response: 0.2},
	}

	fs, err := buildFeatureSet(keypoints, mat, 2)
	require.NoError(t, err)

	require.Equal(t, 2, fs.KeypointCount)
	assert.Equal(t, 0.8, fs.Keypoints[0].Response)
	assert.Equal(t, 0.6, fs.Keypoints[1].Response)
	assert.Len(t, fs.Descriptors, 2*types.DescriptorDim)
}

func TestBuildFeatureSetTieBreaksOnPosition(t *testing.T) {
	mat := descriptorMat(t, 2)
	defer mat.Close()

	keypoints := []gocv.KeyPoint{
		{X: 9, Y: 1, Response: 0.5},
		{X: 3, Y: 1, Response: 0.5},
	}

	fs, err := buildFeatureSet(keypoints, mat, 10)
	require.NoError(t, err)

	assert.Equal(t, 3.0, fs.Keypoints[0].X)
	assert.Equal(t, 9.0, fs.Keypoints[1].X)
}

func TestExtractRejectsEmptyImage(t *testing.T) {
	e := &Extractor{minKeypoints: 160, nFeatures: 1500}

	_, err := e.Extract(gocv.NewMat())
	assert.Error(t, err)
}

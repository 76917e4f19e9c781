package matcher

import (
	"encoding/binary"
	"math"

	"fingerid/config"
	"fingerid/types"

	"gocv.io/x/gocv"
)

// minDescriptors is the smallest descriptor set worth matching; below it
// the two-nearest-neighbor ratio test is meaningless.
const minDescriptors = 10

// Matcher scores a probe against one enrolled template by counting
// descriptor correspondences that survive Lowe's ratio test. Deterministic
// for fixed inputs and configuration; no side effects.
type Matcher struct {
	ratio     float64
	geometric bool
}

// New creates a matcher from the service configuration.
func New(cfg *config.Config) *Matcher {
	return &Matcher{ratio: cfg.Ratio, geometric: cfg.GeometricFilter}
}

// Match computes the similarity between a probe and one stored template.
// Score is the accepted correspondence count; when the geometric filter is
// enabled only correspondences agreeing with the dominant rotation count.
func (m *Matcher) Match(probe, tmpl *types.FeatureSet, templateIndex int) types.TemplateMatchResult {
	result := types.TemplateMatchResult{TemplateIndex: templateIndex}

	if probe == nil || tmpl == nil ||
		probe.KeypointCount < minDescriptors || tmpl.KeypointCount < minDescriptors {
		return result
	}

	probeMat, err := matFromDescriptors(probe)
	if err != nil {
		return result
	}
	defer probeMat.Close()

	tmplMat, err := matFromDescriptors(tmpl)
	if err != nil {
		return result
	}
	defer tmplMat.Close()

	bf := gocv.NewBFMatcherWithParams(gocv.NormL2, false)
	defer bf.Close()

	pairs := bf.KnnMatch(probeMat, tmplMat, 2)

	accepted := make([]correspondence, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		nearest, second := pair[0], pair[1]
		if nearest.Distance < m.ratio*second.Distance {
			accepted = append(accepted, correspondence{
				probeIdx: nearest.QueryIdx,
				tmplIdx:  nearest.TrainIdx,
			})
		}
	}

	inliers := dominantRotationInliers(probe, tmpl, accepted)

	result.InlierCount = inliers
	if m.geometric {
		result.Score = inliers
	} else {
		result.Score = len(accepted)
	}
	return result
}

type correspondence struct {
	probeIdx int
	tmplIdx  int
}

// matFromDescriptors copies a flat row-major descriptor matrix into an
// OpenCV Mat. The caller owns the returned Mat.
func matFromDescriptors(fs *types.FeatureSet) (gocv.Mat, error) {
	data := make([]byte, len(fs.Descriptors)*4)
	for i, v := range fs.Descriptors {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return gocv.NewMatFromBytes(fs.KeypointCount, types.DescriptorDim, gocv.MatTypeCV32F, data)
}

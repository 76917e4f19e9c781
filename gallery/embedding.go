package gallery

import (
	"math"

	"fingerid/types"
)

// aggregateEmbedding folds every descriptor of every template into a single
// L2-normalized mean vector. One vector per employee keeps the shortlist
// search cheap regardless of template count.
func aggregateEmbedding(templates []EnrollmentTemplate) []float32 {
	sum := make([]float64, types.DescriptorDim)
	total := 0
	for _, t := range templates {
		fs := t.Features
		for i := 0; i < fs.KeypointCount; i++ {
			row := fs.Descriptor(i)
			for d, v := range row {
				sum[d] += float64(v)
			}
		}
		total += fs.KeypointCount
	}
	if total == 0 {
		return nil
	}
	return normalize(sum, float64(total))
}

// ProbeEmbedding computes the same mean-descriptor embedding for a probe.
func ProbeEmbedding(fs *types.FeatureSet) []float32 {
	if fs == nil || fs.KeypointCount == 0 {
		return nil
	}
	sum := make([]float64, types.DescriptorDim)
	for i := 0; i < fs.KeypointCount; i++ {
		for d, v := range fs.Descriptor(i) {
			sum[d] += float64(v)
		}
	}
	return normalize(sum, float64(fs.KeypointCount))
}

func normalize(sum []float64, count float64) []float32 {
	norm := 0.0
	for d := range sum {
		sum[d] /= count
		norm += sum[d] * sum[d]
	}
	norm = math.Sqrt(norm)

	vec := make([]float32, len(sum))
	for d := range sum {
		if norm > 0 {
			vec[d] = float32(sum[d] / norm)
		}
	}
	return vec
}

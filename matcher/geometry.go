package matcher

import (
	"math"

	"fingerid/types"
)

// rotationBinDegrees is the histogram bin width for rotation voting.
const rotationBinDegrees = 10

// dominantRotationInliers counts the correspondences consistent with a
// single global rotation between probe and template. Each correspondence
// votes the angle difference of its keypoints into a coarse histogram; the
// winning bin plus its immediate neighbors form the inlier set. A genuine
// print pair shows one dominant rotation, coincidental descriptor
// similarity scatters across bins.
func dominantRotationInliers(probe, tmpl *types.FeatureSet, accepted []correspondence) int {
	if len(accepted) == 0 {
		return 0
	}

	const bins = 360 / rotationBinDegrees
	histogram := make([]int, bins)
	binOf := make([]int, len(accepted))

	for i, c := range accepted {
		delta := probe.Keypoints[c.probeIdx].Angle - tmpl.Keypoints[c.tmplIdx].Angle
		delta = math.Mod(delta, 360)
		if delta < 0 {
			delta += 360
		}
		bin := int(delta) / rotationBinDegrees
		if bin >= bins {
			bin = bins - 1
		}
		binOf[i] = bin
		histogram[bin]++
	}

	dominant := 0
	for b := 1; b < bins; b++ {
		if histogram[b] > histogram[dominant] {
			dominant = b
		}
	}

	inliers := 0
	for _, bin := range binOf {
		if bin == dominant ||
			bin == (dominant+1)%bins ||
			bin == (dominant+bins-1)%bins {
			inliers++
		}
	}
	return inliers
}

package extractor

import (
	"fmt"
	"sort"

	"fingerid/config"
	"fingerid/imaging"
	"fingerid/logging"
	"fingerid/types"

	"gocv.io/x/gocv"
)

// Extractor converts fingerprint images into descriptor feature sets. It is
// stateless apart from its configuration: the same image and configuration
// always produce the same FeatureSet.
type Extractor struct {
	nFeatures    int
	contrast     float64
	edge         float64
	sigma        float64
	minKeypoints int
	registry     *imaging.DecoderRegistry
}

// New creates an extractor with the configured SIFT parameters.
func New(cfg *config.Config) *Extractor {
	return &Extractor{
		nFeatures:    cfg.SIFTFeatures,
		contrast:     cfg.SIFTContrast,
		edge:         cfg.SIFTEdge,
		sigma:        cfg.SIFTSigma,
		minKeypoints: cfg.MinKeypoints,
		registry:     imaging.NewDecoderRegistry(),
	}
}

// ExtractImageBytes decodes a raw capture payload and extracts its features.
func (e *Extractor) ExtractImageBytes(data []byte) (*types.FeatureSet, error) {
	img, err := e.registry.Decode(data)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return e.Extract(img)
}

// Extract runs the enhancement pipeline and SIFT detection on a grayscale
// image. It returns a QualityError when the print yields too few usable
// keypoints, which is an expected outcome for dirty or partial captures.
func (e *Extractor) Extract(img gocv.Mat) (*types.FeatureSet, error) {
	if img.Empty() {
		return nil, fmt.Errorf("cannot extract features from an empty image")
	}

	enhanced := enhanceFingerprint(img)
	defer enhanced.Close()

	cleaned := applyMorphology(enhanced)
	defer cleaned.Close()

	roi := extractROI(cleaned)
	defer roi.Close()

	octaveLayers := 3
	sift := gocv.NewSIFTWithParams(&e.nFeatures, &octaveLayers, &e.contrast, &e.edge, &e.sigma)
	defer sift.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	keypoints, descriptors := sift.DetectAndCompute(roi, mask)
	defer descriptors.Close()

	kpCount := len(keypoints)
	if kpCount < e.minKeypoints || descriptors.Empty() {
		logging.DebugLog("probe rejected: %d keypoints below minimum %d", kpCount, e.minKeypoints)
		return nil, &types.QualityError{Reason: "low_keypoint_count", KeypointCount: kpCount}
	}

	return buildFeatureSet(keypoints, descriptors, e.nFeatures)
}

// buildFeatureSet copies the descriptor matrix out of OpenCV memory and
// orders keypoints by response strength so top-K selection under the
// feature budget is reproducible.
func buildFeatureSet(keypoints []gocv.KeyPoint, descriptors gocv.Mat, budget int) (*types.FeatureSet, error) {
	raw, err := descriptors.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("cannot read descriptor matrix: %w", err)
	}
	if descriptors.Cols() != types.DescriptorDim {
		return nil, fmt.Errorf("unexpected descriptor width %d", descriptors.Cols())
	}

	order := make([]int, len(keypoints))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ka, kb := keypoints[order[a]], keypoints[order[b]]
		if ka.Response != kb.Response {
			return ka.Response > kb.Response
		}
		if ka.X != kb.X {
			return ka.X < kb.X
		}
		return ka.Y < kb.Y
	})

	if len(order) > budget {
		order = order[:budget]
	}

	fs := &types.FeatureSet{
		Descriptors:   make([]float32, 0, len(order)*types.DescriptorDim),
		Keypoints:     make([]types.Keypoint, 0, len(order)),
		KeypointCount: len(order),
	}
	for _, idx := range order {
		kp := keypoints[idx]
		fs.Keypoints = append(fs.Keypoints, types.Keypoint{
			X:        kp.X,
			Y:        kp.Y,
			Size:     kp.Size,
			Angle:    kp.Angle,
			Response: kp.Response,
			Octave:   kp.Octave,
		})
		row := raw[idx*types.DescriptorDim : (idx+1)*types.DescriptorDim]
		fs.Descriptors = append(fs.Descriptors, row...)
	}

	return fs, nil
}

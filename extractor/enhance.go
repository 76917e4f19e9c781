package extractor

import (
	"image"

	"gocv.io/x/gocv"
)

// enhanceFingerprint prepares a raw grayscale capture for ridge detection:
// contrast normalization, CLAHE, noise reduction, histogram equalization
// and adaptive binarization. The caller owns the returned Mat.
func enhanceFingerprint(img gocv.Mat) gocv.Mat {
	normalized := gocv.NewMat()
	gocv.Normalize(img, &normalized, 0, 255, gocv.NormMinMax)

	clahe := gocv.NewCLAHEWithParams(2.0, image.Pt(8, 8))
	equalizedLocal := gocv.NewMat()
	clahe.Apply(normalized, &equalizedLocal)
	clahe.Close()
	normalized.Close()

	blurred := gocv.NewMat()
	gocv.GaussianBlur(equalizedLocal, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)
	equalizedLocal.Close()

	equalized := gocv.NewMat()
	gocv.EqualizeHist(blurred, &equalized)
	blurred.Close()

	binary := gocv.NewMat()
	gocv.AdaptiveThreshold(equalized, &binary, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary, 11, 2)
	equalized.Close()

	return binary
}

// applyMorphology cleans the binarized ridge image: closing reconnects
// fragmented ridges, opening removes isolated noise pixels.
func applyMorphology(img gocv.Mat) gocv.Mat {
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(3, 3))
	defer kernel.Close()

	closed := gocv.NewMat()
	gocv.MorphologyEx(img, &closed, gocv.MorphClose, kernel)

	opened := gocv.NewMat()
	gocv.MorphologyEx(closed, &opened, gocv.MorphOpen, kernel)
	closed.Close()

	return opened
}

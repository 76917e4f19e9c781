package extractor

import (
	"image"

	"gocv.io/x/gocv"
)

// extractROI crops the image to the finger region to cut down background
// keypoints. Otsu thresholding finds the dominant contour; the bounding box
// is padded by 8% on each side. When segmentation fails or produces an
// implausibly small region the full frame is returned instead.
func extractROI(img gocv.Mat) gocv.Mat {
	w := img.Cols()
	h := img.Rows()

	equalized := gocv.NewMat()
	gocv.EqualizeHist(img, &equalized)
	defer equalized.Close()

	blurred := gocv.NewMat()
	gocv.GaussianBlur(equalized, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)
	defer blurred.Close()

	thresholded := gocv.NewMat()
	gocv.Threshold(blurred, &thresholded, 0, 255, gocv.ThresholdBinaryInv+gocv.ThresholdOtsu)
	defer thresholded.Close()

	smallKernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(3, 3))
	defer smallKernel.Close()
	largeKernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(5, 5))
	defer largeKernel.Close()

	opened := gocv.NewMat()
	gocv.MorphologyEx(thresholded, &opened, gocv.MorphOpen, smallKernel)
	defer opened.Close()

	closed := gocv.NewMat()
	gocv.MorphologyEx(opened, &closed, gocv.MorphClose, largeKernel)
	defer closed.Close()

	contours := gocv.FindContours(closed, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	if contours.Size() == 0 {
		return img.Clone()
	}

	bestIdx := 0
	bestArea := 0.0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area > bestArea {
			bestArea = area
			bestIdx = i
		}
	}

	rect := gocv.BoundingRect(contours.At(bestIdx))
	if rect.Dx()*rect.Dy() < (w*h)/50 {
		// Segmented region covers under 2% of the frame, not a finger.
		return img.Clone()
	}

	padX := (rect.Dx() * 8) / 100
	padY := (rect.Dy() * 8) / 100
	x0 := max(0, rect.Min.X-padX)
	y0 := max(0, rect.Min.Y-padY)
	x1 := min(w, rect.Max.X+padX)
	y1 := min(h, rect.Max.Y+padY)

	if x1-x0 < 40 || y1-y0 < 40 {
		return img.Clone()
	}

	region := img.Region(image.Rect(x0, y0, x1, y1))
	defer region.Close()
	return region.Clone()
}

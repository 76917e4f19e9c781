package engine

import (
	"context"

	"fingerid/gallery"
	"fingerid/store"
	"fingerid/types"
)

// VerifyImages compares two fingerprint images 1:1, outside the gallery.
// threshold <= 0 uses the configured absolute floor. Low-quality inputs are
// terminal reasons, not errors.
func (e *Engine) VerifyImages(image1, image2 []byte, threshold int) (*types.VerificationResult, error) {
	if threshold <= 0 {
		threshold = e.cfg.AbsMinScore
	}

	probe, err := e.extractor.ExtractImageBytes(image1)
	if err != nil {
		if qe, ok := asQualityError(err); ok {
			return &types.VerificationResult{
				Threshold:      threshold,
				Reason:         types.ReasonProbeLowQuality,
				ProbeKeypoints: qe.KeypointCount,
			}, nil
		}
		return nil, err
	}

	tmpl, err := e.extractor.ExtractImageBytes(image2)
	if err != nil {
		if qe, ok := asQualityError(err); ok {
			return &types.VerificationResult{
				Threshold:         threshold,
				Reason:            types.ReasonTemplateLowQuality,
				ProbeKeypoints:    probe.KeypointCount,
				TemplateKeypoints: qe.KeypointCount,
			}, nil
		}
		return nil, err
	}

	entry := &gallery.Entry{Templates: []gallery.EnrollmentTemplate{{Slot: 1, Features: tmpl}}}
	score := e.scorer.ScoreCandidate(probe, entry)

	return e.verdict(score, threshold, probe.KeypointCount, tmpl.KeypointCount), nil
}

// VerifyTemplates matches a probe image against caller-supplied templates,
// each either a cached descriptor blob or a raw enrollment image. The best
// template score decides; the per-template breakdown is reported alongside.
func (e *Engine) VerifyTemplates(ctx context.Context, probeImage []byte, templates [][]byte, threshold int) (*types.VerificationResult, error) {
	if threshold <= 0 {
		threshold = e.cfg.AbsMinScore
	}

	probe, err := e.extractor.ExtractImageBytes(probeImage)
	if err != nil {
		if qe, ok := asQualityError(err); ok {
			return &types.VerificationResult{
				Threshold:      threshold,
				Reason:         types.ReasonProbeLowQuality,
				ProbeKeypoints: qe.KeypointCount,
			}, nil
		}
		return nil, err
	}

	entry := &gallery.Entry{}
	unusable := make([]types.TemplateMatchResult, 0)
	for i, blob := range templates {
		if err := ctx.Err(); err != nil {
			return nil, types.ErrTimeout
		}
		fs := e.decodeTemplate(blob)
		if fs == nil {
			unusable = append(unusable, types.TemplateMatchResult{TemplateIndex: i + 1})
			continue
		}
		entry.Templates = append(entry.Templates, gallery.EnrollmentTemplate{Slot: i + 1, Features: fs})
	}

	if len(entry.Templates) == 0 {
		return &types.VerificationResult{
			Threshold:      threshold,
			Reason:         types.ReasonEmptyTemplate,
			ProbeKeypoints: probe.KeypointCount,
			PerTemplate:    unusable,
		}, nil
	}

	score := e.scorer.ScoreCandidate(probe, entry)
	score.PerTemplate = append(score.PerTemplate, unusable...)

	result := e.verdict(score, threshold, probe.KeypointCount, 0)
	result.PerTemplate = score.PerTemplate
	return result, nil
}

// decodeTemplate accepts either a cached descriptor blob or a raw image;
// anything unreadable is treated as an unusable template, never an error.
func (e *Engine) decodeTemplate(blob []byte) *types.FeatureSet {
	if len(blob) == 0 {
		return nil
	}
	if fs, err := store.DecodeFeatureSet(blob); err == nil {
		return fs
	}
	fs, err := e.extractor.ExtractImageBytes(blob)
	if err != nil {
		return nil
	}
	return fs
}

func (e *Engine) verdict(score types.CandidateScore, threshold, probeKeypoints, templateKeypoints int) *types.VerificationResult {
	result := &types.VerificationResult{
		Score:             score.BestScore,
		Threshold:         threshold,
		ProbeKeypoints:    probeKeypoints,
		TemplateKeypoints: templateKeypoints,
	}
	if score.BestScore >= threshold {
		result.Matched = true
		result.Reason = types.ReasonMatchFound
		result.Confidence = confidence(score.BestScore, 0, threshold)
	} else {
		result.Reason = types.ReasonScoreTooLow
	}
	return result
}

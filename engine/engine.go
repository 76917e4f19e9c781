package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"fingerid/config"
	"fingerid/gallery"
	"fingerid/logging"
	"fingerid/retriever"
	"fingerid/scorer"
	"fingerid/signalhandler"
	"fingerid/store"
	"fingerid/types"
)

// ProbeExtractor computes features from a raw probe image.
type ProbeExtractor interface {
	ExtractImageBytes(data []byte) (*types.FeatureSet, error)
}

// Engine runs the identification pipeline: probe extraction, candidate
// retrieval, concurrent scoring and the layered decision. It is safe for
// concurrent use; each request works against one immutable snapshot.
type Engine struct {
	cfg       *config.Config
	extractor ProbeExtractor
	index     *gallery.Index
	retriever retriever.Retriever
	scorer    *scorer.Scorer
	workers   int
}

// New assembles an engine. A Workers setting of zero derives the scoring
// pool size from the CPU count.
func New(cfg *config.Config, extractor ProbeExtractor, index *gallery.Index, retr retriever.Retriever, sc *scorer.Scorer) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = signalhandler.GetOptimalProcs()
	}
	return &Engine{
		cfg:       cfg,
		extractor: extractor,
		index:     index,
		retriever: retr,
		scorer:    sc,
		workers:   workers,
	}
}

// Identify runs one identification request against the current gallery
// snapshot. maxCandidates <= 0 uses the configured default. The context
// deadline is honored strictly: on expiry the request fails with
// types.ErrTimeout and no partial ranking is ever turned into a decision.
func (e *Engine) Identify(ctx context.Context, image []byte, maxCandidates int) (*types.IdentificationDecision, error) {
	start := time.Now()
	if maxCandidates <= 0 {
		maxCandidates = e.cfg.MaxCandidates
	}

	probe, err := e.extractor.ExtractImageBytes(image)
	if err != nil {
		if qe, ok := asQualityError(err); ok {
			decision := &types.IdentificationDecision{
				DecisionReason: types.ReasonProbeLowQuality,
				ProbeKeypoints: qe.KeypointCount,
				ProcessingTime: time.Since(start),
			}
			logging.LogDecision(false, 0, 0, 0, decision.DecisionReason, decision.ProcessingTime)
			return decision, nil
		}
		return nil, err
	}

	snap := e.index.Snapshot()
	if snap.Size() == 0 {
		decision := &types.IdentificationDecision{
			DecisionReason: types.ReasonNoGallery,
			ProbeKeypoints: probe.KeypointCount,
			ProcessingTime: time.Since(start),
		}
		logging.LogDecision(false, 0, 0, 0, decision.DecisionReason, decision.ProcessingTime)
		return decision, nil
	}

	ids := e.retriever.Shortlist(probe, snap, maxCandidates)
	candidates, err := e.scoreAll(ctx, probe, snap, ids)
	if err != nil {
		return nil, err
	}

	decision := decide(candidates, snap.Size(), e.cfg)
	if len(decision.Candidates) > maxCandidates {
		decision.Candidates = decision.Candidates[:maxCandidates]
	}
	decision.ProbeKeypoints = probe.KeypointCount
	decision.ProcessingTime = time.Since(start)

	logging.LogDecision(decision.Matched, decision.EmployeeID, decision.BestScore,
		decision.Margin, decision.DecisionReason, decision.ProcessingTime)
	return &decision, nil
}

// scoreAll matches the probe against every shortlisted candidate using a
// bounded worker pool. Results land in fixed slots so goroutine scheduling
// cannot change the output.
func (e *Engine) scoreAll(ctx context.Context, probe *types.FeatureSet, snap *gallery.Snapshot, ids []int64) ([]types.CandidateScore, error) {
	results := make([]types.CandidateScore, len(ids))
	scored := make([]bool, len(ids))
	sem := make(chan struct{}, e.workers)

	var wg sync.WaitGroup
	for i, id := range ids {
		entry, ok := snap.Entry(id)
		if !ok {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, types.ErrTimeout
		}

		wg.Add(1)
		go func(slot int, entry *gallery.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			results[slot] = e.scorer.ScoreCandidate(probe, entry)
			scored[slot] = true
		}(i, entry)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, types.ErrTimeout
	}

	out := make([]types.CandidateScore, 0, len(results))
	for i, r := range results {
		if scored[i] {
			out = append(out, r)
		}
	}
	return out, nil
}

// ExtractTemplate runs feature extraction on an enrollment image and
// returns the encoded descriptor blob alongside the keypoint count. Used
// by the enrollment surface to precompute descriptors at capture time.
func (e *Engine) ExtractTemplate(image []byte) (blob []byte, keypoints int, err error) {
	fs, err := e.extractor.ExtractImageBytes(image)
	if err != nil {
		return nil, 0, err
	}
	blob, err = store.EncodeFeatureSet(fs)
	if err != nil {
		return nil, 0, err
	}
	return blob, fs.KeypointCount, nil
}

func asQualityError(err error) (*types.QualityError, bool) {
	var qe *types.QualityError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

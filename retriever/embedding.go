package retriever

import (
	"github.com/emirpasic/gods/trees/binaryheap"

	"fingerid/gallery"
	"fingerid/types"
)

// Embedding shortlists candidates by L2 distance between the probe's
// mean-descriptor embedding and each entry's aggregate embedding. It only
// engages above SizeThreshold employees; below that an exhaustive scan is
// both cheap and exact.
type Embedding struct {
	// SizeThreshold is the gallery size at which the shortlist replaces
	// the exhaustive scan.
	SizeThreshold int

	fallback Exhaustive
}

// NewEmbedding creates an embedding retriever with the given engagement
// threshold.
func NewEmbedding(sizeThreshold int) *Embedding {
	return &Embedding{SizeThreshold: sizeThreshold}
}

type scoredCandidate struct {
	id   int64
	dist float64
}

// Shortlist returns up to max employee IDs ordered by ascending embedding
// distance.
func (r *Embedding) Shortlist(probe *types.FeatureSet, snap *gallery.Snapshot, max int) []int64 {
	if snap.Size() <= r.SizeThreshold || max <= 0 {
		return r.fallback.Shortlist(probe, snap, max)
	}

	probeVec := gallery.ProbeEmbedding(probe)
	if probeVec == nil {
		return r.fallback.Shortlist(probe, snap, max)
	}

	// Max-heap on distance, capped at max entries: the root is the worst
	// kept candidate and is evicted whenever a closer one arrives.
	heap := binaryheap.NewWith(func(a, b interface{}) int {
		da := a.(scoredCandidate).dist
		db := b.(scoredCandidate).dist
		switch {
		case da > db:
			return -1
		case da < db:
			return 1
		default:
			return 0
		}
	})

	for _, e := range snap.Entries() {
		if e.Embedding == nil {
			continue
		}
		heap.Push(scoredCandidate{id: e.EmployeeID, dist: squaredL2(probeVec, e.Embedding)})
		if heap.Size() > max {
			heap.Pop()
		}
	}

	ids := make([]int64, heap.Size())
	for i := heap.Size() - 1; i >= 0; i-- {
		v, _ := heap.Pop()
		ids[i] = v.(scoredCandidate).id
	}
	return ids
}

func squaredL2(a, b []float32) float64 {
	sum := 0.0
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

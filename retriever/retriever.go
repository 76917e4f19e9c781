package retriever

import (
	"fingerid/gallery"
	"fingerid/types"
)

// Retriever narrows the gallery to a shortlist of likely candidates before
// the expensive pairwise matching. Implementations are read-only over the
// snapshot and must be interchangeable for decision correctness: using one
// or the other can only change latency, never matched vs rejected.
type Retriever interface {
	Shortlist(probe *types.FeatureSet, snap *gallery.Snapshot, max int) []int64
}

// Exhaustive is the reference retriever: every employee in the snapshot is
// a candidate. Full matching ranks them, so the order is irrelevant.
type Exhaustive struct{}

// Shortlist returns all employee IDs in the snapshot.
func (Exhaustive) Shortlist(_ *types.FeatureSet, snap *gallery.Snapshot, _ int) []int64 {
	ids := make([]int64, 0, snap.Size())
	for _, e := range snap.Entries() {
		ids = append(ids, e.EmployeeID)
	}
	return ids
}

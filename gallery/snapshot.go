package gallery

import "fingerid/types"

// EnrollmentTemplate is one usable enrolled capture inside a gallery entry.
type EnrollmentTemplate struct {
	// Slot is the 1-based store slot this template came from.
	Slot     int
	Features *types.FeatureSet
}

// Entry holds everything the matcher needs for one employee. Entries are
// owned by the snapshot they belong to and never mutated after publication.
type Entry struct {
	EmployeeID int64
	Templates  []EnrollmentTemplate

	// Embedding is the L2-normalized mean of all template descriptors,
	// used by the shortlist retriever.
	Embedding []float32

	// Tier is the robustness tier, equal to the usable template count
	// (4 = optimal).
	Tier int
}

// Snapshot is an immutable point-in-time view of the gallery. Concurrent
// identification requests each hold one snapshot; a rebuild publishes a new
// one without touching those in flight.
type Snapshot struct {
	entries []*Entry
	byID    map[int64]*Entry
}

// NewSnapshot builds a snapshot over the given entries. The index is the
// normal producer; direct construction is for consumers that already hold
// prepared entries.
func NewSnapshot(entries []*Entry) *Snapshot {
	byID := make(map[int64]*Entry, len(entries))
	for _, e := range entries {
		byID[e.EmployeeID] = e
	}
	return &Snapshot{entries: entries, byID: byID}
}

// Size returns the number of identifiable employees.
func (s *Snapshot) Size() int {
	return len(s.entries)
}

// Entries returns all entries. The slice must not be modified.
func (s *Snapshot) Entries() []*Entry {
	return s.entries
}

// Entry looks up one employee's entry.
func (s *Snapshot) Entry(id int64) (*Entry, bool) {
	e, ok := s.byID[id]
	return e, ok
}

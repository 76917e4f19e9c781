package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"fingerid/logging"
	"fingerid/store"
	"fingerid/types"
)

// FeatureExtractor computes a FeatureSet from a raw template image. It is
// an interface here so the index can be exercised without OpenCV.
type FeatureExtractor interface {
	ExtractImageBytes(data []byte) (*types.FeatureSet, error)
}

// Index owns the published gallery snapshot. Reads are lock-free; mutations
// are serialized and publish through an atomic pointer swap, so a reader
// observes either the old or the new snapshot, never a half-built one.
type Index struct {
	source    store.TemplateSource
	extractor FeatureExtractor

	current atomic.Pointer[Snapshot]

	// ready flips once the first full rebuild has published; upserts alone
	// never mark the index ready because they cover a single employee.
	ready atomic.Bool

	// writeMu serializes snapshot publication (rebuilds and upserts).
	writeMu sync.Mutex

	// rebuildMu guards inflight; a rebuild already running satisfies any
	// rebuild request that arrives while it is in flight.
	rebuildMu sync.Mutex
	inflight  *rebuildCall
}

type rebuildCall struct {
	done    chan struct{}
	summary *types.RebuildSummary
	err     error
}

// NewIndex creates an index with an empty published snapshot.
func NewIndex(source store.TemplateSource, extractor FeatureExtractor) *Index {
	ix := &Index{source: source, extractor: extractor}
	ix.current.Store(NewSnapshot(nil))
	return ix
}

// Snapshot returns the currently published snapshot. O(1), never nil.
func (ix *Index) Snapshot() *Snapshot {
	return ix.current.Load()
}

// Ready reports whether at least one full rebuild has completed. A serving
// process with Ready false answers every identification with no_gallery.
func (ix *Index) Ready() bool {
	return ix.ready.Load()
}

// RebuildAll recomputes the full gallery from the template store and
// publishes the result. Individual corrupt templates are skipped and
// counted; total store unavailability fails the call and leaves the
// previous snapshot in place. Concurrent callers are coalesced onto a
// single rebuild.
func (ix *Index) RebuildAll(ctx context.Context) (*types.RebuildSummary, error) {
	ix.rebuildMu.Lock()
	if call := ix.inflight; call != nil {
		ix.rebuildMu.Unlock()
		select {
		case <-call.done:
			return call.summary, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &rebuildCall{done: make(chan struct{})}
	ix.inflight = call
	ix.rebuildMu.Unlock()

	call.summary, call.err = ix.rebuild(ctx)
	close(call.done)

	ix.rebuildMu.Lock()
	ix.inflight = nil
	ix.rebuildMu.Unlock()

	return call.summary, call.err
}

func (ix *Index) rebuild(ctx context.Context) (*types.RebuildSummary, error) {
	records, err := ix.source.LoadAll(ctx)
	if err != nil {
		logging.LogError("gallery rebuild failed, previous snapshot kept: %v", err)
		return nil, err
	}

	summary := &types.RebuildSummary{EmployeesByTier: make(map[int]int)}
	entries := make([]*Entry, 0, len(records))

	for i := range records {
		entry, corrupt := ix.buildEntry(ctx, &records[i])
		summary.CorruptTemplates += corrupt
		if entry == nil {
			summary.SkippedEmployees++
			logging.LogWarning("employee %d has no usable templates - excluded from gallery", records[i].ID)
			continue
		}
		entries = append(entries, entry)
		summary.EmployeesLoaded++
		summary.TemplatesLoaded += len(entry.Templates)
		summary.EmployeesByTier[entry.Tier]++
	}

	ix.writeMu.Lock()
	ix.current.Store(NewSnapshot(entries))
	ix.writeMu.Unlock()
	ix.ready.Store(true)

	logging.LogInfo("gallery rebuilt: %d employees, %d templates, %d corrupt skipped, %d employees excluded",
		summary.EmployeesLoaded, summary.TemplatesLoaded, summary.CorruptTemplates, summary.SkippedEmployees)
	return summary, nil
}

// UpsertEmployee recomputes a single employee's entry and republishes a
// snapshot that shares every other entry with the previous one. An
// employee that no longer exists, is inactive, or has no usable templates
// is removed from the snapshot.
func (ix *Index) UpsertEmployee(ctx context.Context, id int64) (*Snapshot, error) {
	record, err := ix.source.LoadEmployee(ctx, id)
	var entry *Entry
	switch {
	case errors.Is(err, sql.ErrNoRows):
		entry = nil // employee gone or inactive; drop from the gallery
	case err != nil:
		return nil, err
	default:
		entry, _ = ix.buildEntry(ctx, record)
		if entry == nil {
			logging.LogWarning("employee %d has no usable templates - removed from gallery", id)
		}
	}

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	old := ix.current.Load()
	entries := make([]*Entry, 0, old.Size()+1)
	for _, e := range old.Entries() {
		if e.EmployeeID != id {
			entries = append(entries, e)
		}
	}
	if entry != nil {
		entries = append(entries, entry)
		logging.LogInfo("employee %d upserted into gallery (%d templates, tier %d)", id, len(entry.Templates), entry.Tier)
	}

	snap := NewSnapshot(entries)
	ix.current.Store(snap)
	return snap, nil
}

// buildEntry assembles one gallery entry from a store record. Corrupt
// descriptor blobs fall back to re-extraction from the raw image; slots
// that yield nothing usable are skipped and counted. Descriptor sets
// computed from raw images are written back to the store so the next
// rebuild loads them directly.
func (ix *Index) buildEntry(ctx context.Context, record *store.EmployeeRecord) (*Entry, int) {
	corrupt := 0
	templates := make([]EnrollmentTemplate, 0, store.MaxTemplateSlots)

	for i, slot := range record.Slots {
		if slot.Empty() {
			continue
		}
		slotNum := i + 1

		fs, fromImage, err := ix.loadSlot(record.ID, slotNum, slot)
		if err != nil {
			corrupt++
			logging.LogWarning("employee %d template %d unusable: %v", record.ID, slotNum, err)
			continue
		}

		if fromImage {
			ix.cacheDescriptors(ctx, record.ID, slotNum, fs)
		}

		templates = append(templates, EnrollmentTemplate{Slot: slotNum, Features: fs})
	}

	if len(templates) == 0 {
		return nil, corrupt
	}

	return &Entry{
		EmployeeID: record.ID,
		Templates:  templates,
		Embedding:  aggregateEmbedding(templates),
		Tier:       len(templates),
	}, corrupt
}

// loadSlot decodes a cached descriptor blob, or extracts features from the
// raw image when no usable blob exists. fromImage reports whether the
// result should be cached back.
func (ix *Index) loadSlot(id int64, slotNum int, slot store.TemplateSlot) (fs *types.FeatureSet, fromImage bool, err error) {
	if len(slot.Descriptors) > 0 {
		fs, err = store.DecodeFeatureSet(slot.Descriptors)
		if err == nil {
			return fs, false, nil
		}
		if len(slot.Image) == 0 {
			return nil, false, fmt.Errorf("corrupt descriptor blob: %w", err)
		}
		logging.LogWarning("employee %d template %d: corrupt descriptor blob, re-extracting from image: %v", id, slotNum, err)
	}

	fs, err = ix.extractor.ExtractImageBytes(slot.Image)
	if err != nil {
		return nil, false, fmt.Errorf("feature extraction failed: %w", err)
	}
	return fs, true, nil
}

// cacheDescriptors is best effort: a failed write-back only costs the next
// rebuild a re-extraction.
func (ix *Index) cacheDescriptors(ctx context.Context, id int64, slotNum int, fs *types.FeatureSet) {
	blob, err := store.EncodeFeatureSet(fs)
	if err != nil {
		logging.LogWarning("employee %d template %d: cannot encode descriptors: %v", id, slotNum, err)
		return
	}
	if err := ix.source.SaveDescriptors(ctx, id, slotNum, blob); err != nil {
		logging.LogWarning("employee %d template %d: descriptor write-back failed: %v", id, slotNum, err)
		return
	}
	logging.DebugLog("employee %d template %d: cached %d-byte descriptor blob", id, slotNum, len(blob))
}

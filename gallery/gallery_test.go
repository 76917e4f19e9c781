package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fingerid/store"
	"fingerid/types"
)

func makeFeatureSet(n int, seed float32) *types.FeatureSet {
	fs := &types.FeatureSet{KeypointCount: n}
	for i := 0; i < n; i++ {
		fs.Keypoints = append(fs.Keypoints, types.Keypoint{X: float64(i), Response: 1})
		for j := 0; j < types.DescriptorDim; j++ {
			fs.Descriptors = append(fs.Descriptors, seed+float32(i))
		}
	}
	return fs
}

func validBlob(t *testing.T, seed float32) []byte {
	t.Helper()
	blob, err := store.EncodeFeatureSet(makeFeatureSet(3, seed))
	require.NoError(t, err)
	return blob
}

type fakeSource struct {
	mu      sync.Mutex
	records map[int64]store.EmployeeRecord
	saved   map[string][]byte

	loadAllCalls int32
	loadAllErr   error

	// entered is closed the first time LoadAll runs; gate, when set,
	// blocks LoadAll until released.
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records: make(map[int64]store.EmployeeRecord),
		saved:   make(map[string][]byte),
	}
}

func (f *fakeSource) LoadAll(ctx context.Context) ([]store.EmployeeRecord, error) {
	atomic.AddInt32(&f.loadAllCalls, 1)
	if f.entered != nil {
		f.once.Do(func() { close(f.entered) })
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.loadAllErr != nil {
		return nil, f.loadAllErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.EmployeeRecord
	for id := int64(1); id <= 100; id++ {
		if rec, ok := f.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeSource) LoadEmployee(_ context.Context, id int64) (*store.EmployeeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &rec, nil
}

func (f *fakeSource) SaveDescriptors(_ context.Context, id int64, slot int, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[fmt.Sprintf("%d:%d", id, slot)] = blob
	return nil
}

// fakeExtractor derives a small deterministic feature set from the first
// image byte and fails on the literal payload "bad".
type fakeExtractor struct{}

func (fakeExtractor) ExtractImageBytes(data []byte) (*types.FeatureSet, error) {
	if string(data) == "bad" {
		return nil, &types.QualityError{Reason: "low_keypoint_count", KeypointCount: 1}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image payload")
	}
	return makeFeatureSet(3, float32(data[0])), nil
}

func TestRebuildTiersAndSummary(t *testing.T) {
	src := newFakeSource()
	src.records[1] = store.EmployeeRecord{ID: 1, Slots: [4]store.TemplateSlot{
		{Descriptors: validBlob(t, 1)},
		{Descriptors: validBlob(t, 2)},
		{Descriptors: validBlob(t, 3)},
		{Descriptors: validBlob(t, 4)},
	}}
	src.records[2] = store.EmployeeRecord{ID: 2, Slots: [4]store.TemplateSlot{
		{Descriptors: validBlob(t, 5)},
		{Descriptors: validBlob(t, 6)},
	}}
	src.records[3] = store.EmployeeRecord{ID: 3, Slots: [4]store.TemplateSlot{
		{Descriptors: validBlob(t, 7)},
		{Descriptors: []byte("garbage")}, // corrupt, no image to fall back on
	}}
	src.records[4] = store.EmployeeRecord{ID: 4, Slots: [4]store.TemplateSlot{
		{Descriptors: []byte("garbage")},
	}}

	ix := NewIndex(src, fakeExtractor{})
	summary, err := ix.RebuildAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.EmployeesLoaded)
	assert.Equal(t, 7, summary.TemplatesLoaded)
	assert.Equal(t, 2, summary.CorruptTemplates)
	assert.Equal(t, 1, summary.SkippedEmployees)
	assert.Equal(t, map[int]int{4: 1, 2: 1, 1: 1}, summary.EmployeesByTier)

	snap := ix.Snapshot()
	assert.Equal(t, 3, snap.Size())
	e, ok := snap.Entry(1)
	require.True(t, ok)
	assert.Equal(t, 4, e.Tier)
	assert.NotNil(t, e.Embedding)
	_, ok = snap.Entry(4)
	assert.False(t, ok)
}

func TestCorruptBlobFallsBackToImage(t *testing.T) {
	src := newFakeSource()
	src.records[5] = store.EmployeeRecord{ID: 5, Slots: [4]store.TemplateSlot{
		{Image: []byte("img"), Descriptors: []byte("garbage")},
	}}

	ix := NewIndex(src, fakeExtractor{})
	summary, err := ix.RebuildAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.EmployeesLoaded)
	assert.Zero(t, summary.SkippedEmployees)

	// Re-extracted descriptors are written back so the next rebuild loads
	// them directly.
	assert.Contains(t, src.saved, "5:1")
	decoded, err := store.DecodeFeatureSet(src.saved["5:1"])
	require.NoError(t, err)
	assert.Equal(t, 3, decoded.KeypointCount)
}

func TestRebuildFailureKeepsPreviousSnapshot(t *testing.T) {
	src := newFakeSource()
	src.records[1] = store.EmployeeRecord{ID: 1, Slots: [4]store.TemplateSlot{
		{Descriptors: validBlob(t, 1)},
	}}

	ix := NewIndex(src, fakeExtractor{})
	_, err := ix.RebuildAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, ix.Snapshot().Size())

	src.loadAllErr = fmt.Errorf("%w: disk gone", types.ErrStoreUnavailable)
	_, err = ix.RebuildAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))
	assert.Equal(t, 1, ix.Snapshot().Size())
}

func TestUpsertSnapshotIsolation(t *testing.T) {
	src := newFakeSource()
	src.records[1] = store.EmployeeRecord{ID: 1, Slots: [4]store.TemplateSlot{
		{Descriptors: validBlob(t, 1)},
	}}

	ix := NewIndex(src, fakeExtractor{})
	_, err := ix.RebuildAll(context.Background())
	require.NoError(t, err)

	before := ix.Snapshot()

	src.mu.Lock()
	src.records[2] = store.EmployeeRecord{ID: 2, Slots: [4]store.TemplateSlot{
		{Descriptors: validBlob(t, 2)},
	}}
	src.mu.Unlock()

	after, err := ix.UpsertEmployee(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, 1, before.Size())
	assert.Equal(t, 2, after.Size())
	_, ok := before.Entry(2)
	assert.False(t, ok)
	_, ok = after.Entry(2)
	assert.True(t, ok)
}

func TestUpsertRemovesMissingEmployee(t *testing.T) {
	src := newFakeSource()
	src.records[1] = store.EmployeeRecord{ID: 1, Slots: [4]store.TemplateSlot{
		{Descriptors: validBlob(t, 1)},
	}}

	ix := NewIndex(src, fakeExtractor{})
	_, err := ix.RebuildAll(context.Background())
	require.NoError(t, err)

	src.mu.Lock()
	delete(src.records, 1)
	src.mu.Unlock()

	snap, err := ix.UpsertEmployee(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.Size())
}

func TestConcurrentUpserts(t *testing.T) {
	src := newFakeSource()
	for id := int64(1); id <= 20; id++ {
		src.records[id] = store.EmployeeRecord{ID: id, Slots: [4]store.TemplateSlot{
			{Descriptors: validBlob(t, float32(id))},
		}}
	}

	ix := NewIndex(src, fakeExtractor{})

	var wg sync.WaitGroup
	for id := int64(1); id <= 20; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := ix.UpsertEmployee(context.Background(), id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 20, ix.Snapshot().Size())
}

func TestReadyTracksFullRebuilds(t *testing.T) {
	src := newFakeSource()
	src.records[1] = store.EmployeeRecord{ID: 1, Slots: [4]store.TemplateSlot{
		{Descriptors: validBlob(t, 1)},
	}}

	ix := NewIndex(src, fakeExtractor{})
	assert.False(t, ix.Ready())

	// A single-employee sync is not a full index load.
	_, err := ix.UpsertEmployee(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ix.Ready())

	_, err = ix.RebuildAll(context.Background())
	require.NoError(t, err)
	assert.True(t, ix.Ready())

	src.loadAllErr = fmt.Errorf("%w: disk gone", types.ErrStoreUnavailable)
	_, err = ix.RebuildAll(context.Background())
	require.Error(t, err)
	assert.True(t, ix.Ready())
}

func TestRebuildCoalescing(t *testing.T) {
	src := newFakeSource()
	src.records[1] = store.EmployeeRecord{ID: 1, Slots: [4]store.TemplateSlot{
		{Descriptors: validBlob(t, 1)},
	}}
	src.entered = make(chan struct{})
	src.gate = make(chan struct{})

	ix := NewIndex(src, fakeExtractor{})

	type result struct {
		summary *types.RebuildSummary
		err     error
	}
	results := make(chan result, 2)

	go func() {
		s, err := ix.RebuildAll(context.Background())
		results <- result{s, err}
	}()

	// Wait until the first rebuild is inside LoadAll, then pile on a second
	// request that must coalesce onto it.
	<-src.entered
	go func() {
		s, err := ix.RebuildAll(context.Background())
		results <- result{s, err}
	}()

	// Give the second caller a moment to register before releasing.
	time.Sleep(20 * time.Millisecond)
	close(src.gate)

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, 1, r.summary.EmployeesLoaded)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.loadAllCalls))
}

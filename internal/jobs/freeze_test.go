package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simonkey-backend-go/internal/cache"
	"simonkey-backend-go/internal/docstore"
	"simonkey-backend-go/internal/models"
)

var sweepNow = time.Date(2026, 10, 15, 6, 0, 0, 0, time.UTC)

func newSweeper(store docstore.Store, batchSize int) *FreezeSweeper {
	s := NewFreezeSweeper(store, nil, batchSize)
	s.now = func() time.Time { return sweepNow }
	return s
}

func seedNotebooks(t *testing.T) *docstore.MemoryStore {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	store.SetClock(func() time.Time { return sweepNow })
	set := func(collection, id string, data map[string]interface{}) {
		require.NoError(t, store.Set(ctx, collection, id, data))
	}
	set(models.CollSchoolNotebooks, "due", map[string]interface{}{
		"title": "Ondas", "scheduledFreezeAt": sweepNow.Add(-time.Hour),
	})
	set(models.CollSchoolNotebooks, "later", map[string]interface{}{
		"title": "Óptica", "scheduledFreezeAt": sweepNow.Add(time.Hour),
	})
	set(models.CollNotebooks, "thaw", map[string]interface{}{
		"isFrozen": true, "frozenScore": 2.4, "scheduledUnfreezeAt": sweepNow.Add(-time.Minute),
	})
	set(models.LearningCollection("s1"), "c1", map[string]interface{}{"notebookId": "due", "easeFactor": 2.5})
	set(models.LearningCollection("s2"), "c1", map[string]interface{}{"notebookId": "due", "easeFactor": 2.2})
	set(models.LearningCollection("s2"), "c2", map[string]interface{}{"notebookId": "due", "easeFactor": 1.3})
	set(models.LearningCollection("s2"), "c9", map[string]interface{}{"notebookId": "other", "easeFactor": 9})
	return store
}

func TestSweepFreezesAndUnfreezesOnce(t *testing.T) {
	ctx := context.Background()
	store := seedNotebooks(t)
	sweeper := newSweeper(store, 400)

	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Frozen)
	assert.Equal(t, 1, report.Unfrozen)
	assert.Empty(t, report.Errors)

	due, err := store.Get(ctx, models.CollSchoolNotebooks, "due")
	require.NoError(t, err)
	assert.True(t, due.Bool("isFrozen"))
	assert.Equal(t, 2.0, due.Float("frozenScore"))
	assert.False(t, due.Has("scheduledFreezeAt"))
	frozenAt, ok := due.Time("frozenAt")
	require.True(t, ok)
	assert.Equal(t, sweepNow, frozenAt)

	later, err := store.Get(ctx, models.CollSchoolNotebooks, "later")
	require.NoError(t, err)
	assert.False(t, later.Bool("isFrozen"))
	assert.True(t, later.Has("scheduledFreezeAt"))

	thaw, err := store.Get(ctx, models.CollNotebooks, "thaw")
	require.NoError(t, err)
	assert.False(t, thaw.Bool("isFrozen"))
	assert.False(t, thaw.Has("frozenScore"))
	assert.False(t, thaw.Has("scheduledUnfreezeAt"))
	assert.True(t, thaw.Has("unfrozenAt"))

	report, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Frozen)
	assert.Equal(t, 0, report.Unfrozen)
}

func TestSweepAppliesMissedBoundariesInOrder(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	store.SetClock(func() time.Time { return sweepNow })
	set := func(id string, data map[string]interface{}) {
		require.NoError(t, store.Set(ctx, models.CollNotebooks, id, data))
	}
	// thawed then re-frozen while no sweep ran
	set("refrozen", map[string]interface{}{
		"isFrozen": true, "frozenScore": 1.1,
		"scheduledUnfreezeAt": sweepNow.Add(-2 * time.Hour),
		"scheduledFreezeAt":   sweepNow.Add(-time.Hour),
	})
	set("open-refrozen", map[string]interface{}{
		"scheduledUnfreezeAt": sweepNow.Add(-2 * time.Hour),
		"scheduledFreezeAt":   sweepNow.Add(-time.Hour),
	})
	// frozen then thawed while no sweep ran
	set("thawed", map[string]interface{}{
		"scheduledFreezeAt":   sweepNow.Add(-2 * time.Hour),
		"scheduledUnfreezeAt": sweepNow.Add(-time.Hour),
	})
	require.NoError(t, store.Set(ctx, models.LearningCollection("s1"), "c1", map[string]interface{}{
		"notebookId": "refrozen", "easeFactor": 2.6,
	}))

	report, err := newSweeper(store, 400).Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 3, report.Frozen)
	assert.Equal(t, 3, report.Unfrozen)

	for _, id := range []string{"refrozen", "open-refrozen"} {
		doc, err := store.Get(ctx, models.CollNotebooks, id)
		require.NoError(t, err)
		assert.True(t, doc.Bool("isFrozen"), id)
		assert.True(t, doc.Has("frozenScore"), id)
		assert.False(t, doc.Has("scheduledFreezeAt"), id)
		assert.False(t, doc.Has("scheduledUnfreezeAt"), id)
	}
	refrozen, err := store.Get(ctx, models.CollNotebooks, "refrozen")
	require.NoError(t, err)
	assert.Equal(t, 2.6, refrozen.Float("frozenScore"))

	thawed, err := store.Get(ctx, models.CollNotebooks, "thawed")
	require.NoError(t, err)
	assert.False(t, thawed.Bool("isFrozen"))
	assert.False(t, thawed.Has("frozenScore"))
	assert.True(t, thawed.Has("frozenAt"))
	assert.True(t, thawed.Has("unfrozenAt"))
	assert.False(t, thawed.Has("scheduledFreezeAt"))
	assert.False(t, thawed.Has("scheduledUnfreezeAt"))

	report, err = newSweeper(store, 400).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Frozen+report.Unfrozen)
}

func TestSweepReadsOffsetAndEpochSchedules(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	set := func(id string, data map[string]interface{}) {
		require.NoError(t, store.Set(ctx, models.CollSchoolNotebooks, id, data))
	}
	set("offset", map[string]interface{}{"scheduledFreezeAt": "2026-10-15T07:30:00+02:00"})
	set("offset-later", map[string]interface{}{"scheduledFreezeAt": "2026-10-15T09:00:00+02:00"})
	set("epoch", map[string]interface{}{
		"isFrozen": true, "scheduledUnfreezeAt": sweepNow.Add(-time.Minute).UnixMilli(),
	})
	set("garbage", map[string]interface{}{"scheduledFreezeAt": "next monday"})

	report, err := newSweeper(store, 400).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Frozen)
	assert.Equal(t, 1, report.Unfrozen)

	offset, err := store.Get(ctx, models.CollSchoolNotebooks, "offset")
	require.NoError(t, err)
	assert.True(t, offset.Bool("isFrozen"))

	later, err := store.Get(ctx, models.CollSchoolNotebooks, "offset-later")
	require.NoError(t, err)
	assert.False(t, later.Bool("isFrozen"))
	assert.True(t, later.Has("scheduledFreezeAt"))

	epoch, err := store.Get(ctx, models.CollSchoolNotebooks, "epoch")
	require.NoError(t, err)
	assert.False(t, epoch.Bool("isFrozen"))

	garbage, err := store.Get(ctx, models.CollSchoolNotebooks, "garbage")
	require.NoError(t, err)
	assert.True(t, garbage.Has("scheduledFreezeAt"))
}

func TestSweepWithoutLearningDataScoresZero(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Set(ctx, models.CollNotebooks, "n1", map[string]interface{}{
		"scheduledFreezeAt": sweepNow,
	}))
	_, err := newSweeper(store, 10).Sweep(ctx)
	require.NoError(t, err)
	doc, err := store.Get(ctx, models.CollNotebooks, "n1")
	require.NoError(t, err)
	assert.True(t, doc.Bool("isFrozen"))
	assert.Equal(t, 0.0, doc.Float("frozenScore"))
}

type countingStore struct {
	*docstore.MemoryStore
	mu      sync.Mutex
	batches []int
}

type countingBatch struct {
	docstore.Batch
	parent *countingStore
}

func (s *countingStore) NewBatch() docstore.Batch {
	return &countingBatch{Batch: s.MemoryStore.NewBatch(), parent: s}
}

func (b *countingBatch) Commit(ctx context.Context) error {
	b.parent.mu.Lock()
	b.parent.batches = append(b.parent.batches, b.Len())
	b.parent.mu.Unlock()
	return b.Batch.Commit(ctx)
}

func TestSweepSplitsBatches(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: docstore.NewMemoryStore()}
	for i := 0; i < 7; i++ {
		id := string(rune('a' + i))
		require.NoError(t, store.Set(ctx, models.CollNotebooks, id, map[string]interface{}{
			"scheduledFreezeAt": sweepNow.Add(-time.Duration(i) * time.Minute),
		}))
	}
	report, err := newSweeper(store, 3).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, report.Frozen)
	assert.Equal(t, []int{3, 3, 1}, store.batches)
}

func TestSchedulerRecordsRuns(t *testing.T) {
	ctx := context.Background()
	store := seedNotebooks(t)
	recorder := &memoryRecorder{}
	scheduler := NewScheduler(newSweeper(store, 400), cache.NewLocalLocker(), recorder, nil, time.Minute, time.Minute)

	report, err := scheduler.RunOnce(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Frozen)
	require.Len(t, recorder.runs, 1)
	assert.Equal(t, TriggerManual, recorder.triggers[0])
}

func TestSchedulerSkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	locker := cache.NewLocalLocker()
	release, ok, err := locker.Acquire(ctx, "jobs:"+FreezeSweepJob, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	recorder := &memoryRecorder{}
	scheduler := NewScheduler(newSweeper(seedNotebooks(t), 400), locker, recorder, nil, time.Minute, time.Minute)
	_, err = scheduler.RunOnce(ctx, TriggerSchedule)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Empty(t, recorder.runs)
}

type memoryRecorder struct {
	mu       sync.Mutex
	runs     []SweepReport
	triggers []string
}

func (m *memoryRecorder) RecordRun(_ context.Context, _ string, trigger string, report SweepReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, report)
	m.triggers = append(m.triggers, trigger)
	return nil
}

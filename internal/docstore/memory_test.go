package docstore

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store Store, collection string, docs map[string]map[string]interface{}) {
	t.Helper()
	for id, data := range docs {
		require.NoError(t, store.Set(context.Background(), collection, id, data))
	}
}

func ids(docs []Document) []string {
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.ID)
	}
	return out
}

func TestMemoryStoreQueryFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	seed(t, store, "studySessions", map[string]map[string]interface{}{
		"s1": {"userId": "u1", "mode": "smart", "startTime": base, "durationSeconds": 600},
		"s2": {"userId": "u1", "mode": "free", "startTime": base.Add(48 * time.Hour), "durationSeconds": 300},
		"s3": {"userId": "u2", "mode": "smart", "startTime": base.Add(time.Hour)},
		"s4": {"userId": "u1", "tags": []string{"algebra", "review"}},
	})

	docs, err := store.Query(ctx, "studySessions", Where("userId", OpEq, "u1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s4"}, ids(docs))

	docs, err = store.Query(ctx, "studySessions", Where("startTime", OpGte, base.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s3"}, ids(docs))

	docs, err = store.Query(ctx, "studySessions", Where("durationSeconds", OpGt, 400))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids(docs))

	docs, err = store.Query(ctx, "studySessions", Where("tags", OpArrayContains, "review"))
	require.NoError(t, err)
	assert.Equal(t, []string{"s4"}, ids(docs))

	docs, err = store.Query(ctx, "studySessions", Where("mode", OpIn, []string{"free", "other"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids(docs))

	_, err = store.Query(ctx, "studySessions", Where("mode", OpIn, "free"))
	assert.Error(t, err)
}

func TestMemoryStoreExistsFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seed(t, store, "notebooks", map[string]map[string]interface{}{
		"a": {"scheduledFreezeAt": "2026-10-15T07:30:00+02:00"},
		"b": {"scheduledFreezeAt": nil},
		"c": {"title": "Ondas"},
		"d": {"scheduledFreezeAt": 1760500000000},
	})
	docs, err := store.Query(ctx, "notebooks", Exists("scheduledFreezeAt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d"}, ids(docs))
}

func TestMemoryStoreUpdateAndDeleteField(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	err := store.Update(ctx, "notebooks", "missing", map[string]interface{}{"isFrozen": true})
	assert.ErrorIs(t, err, ErrNotFound)

	seed(t, store, "notebooks", map[string]map[string]interface{}{
		"n1": {"title": "Física", "scheduledFreezeAt": now},
	})
	require.NoError(t, store.Update(ctx, "notebooks", "n1", map[string]interface{}{
		"isFrozen":          true,
		"frozenAt":          ServerTimestamp,
		"scheduledFreezeAt": DeleteField,
	}))
	doc, err := store.Get(ctx, "notebooks", "n1")
	require.NoError(t, err)
	assert.True(t, doc.Bool("isFrozen"))
	assert.False(t, doc.Has("scheduledFreezeAt"))
	frozenAt, ok := doc.Time("frozenAt")
	require.True(t, ok)
	assert.True(t, frozenAt.Equal(now))
	assert.Equal(t, "Física", doc.String("title"))

	err = store.Set(ctx, "notebooks", "n2", map[string]interface{}{"x": DeleteField})
	assert.Error(t, err)
}

func TestMemoryStoreBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seed(t, store, "notebooks", map[string]map[string]interface{}{"n1": {"isFrozen": false}})

	batch := store.NewBatch()
	batch.Update("notebooks", "n1", map[string]interface{}{"isFrozen": true})
	batch.Update("notebooks", "ghost", map[string]interface{}{"isFrozen": true})
	assert.Equal(t, 2, batch.Len())
	assert.ErrorIs(t, batch.Commit(ctx), ErrNotFound)

	doc, err := store.Get(ctx, "notebooks", "n1")
	require.NoError(t, err)
	assert.False(t, doc.Bool("isFrozen"))

	batch = store.NewBatch()
	for i := 0; i <= MaxBatchWrites; i++ {
		batch.Set("notebooks", "bulk-"+strconv.Itoa(i), map[string]interface{}{"i": i})
	}
	assert.ErrorIs(t, batch.Commit(ctx), ErrBatchTooLarge)
}

func TestMemoryStoreBatchSeesEarlierWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	batch := store.NewBatch()
	batch.Set("enrollments", "e1", map[string]interface{}{"status": "active"})
	batch.Update("enrollments", "e1", map[string]interface{}{"status": "completed"})
	require.NoError(t, batch.Commit(ctx))

	doc, err := store.Get(ctx, "enrollments", "e1")
	require.NoError(t, err)
	assert.Equal(t, "completed", doc.String("status"))

	require.NoError(t, store.Delete(ctx, "enrollments", "e1"))
	_, err = store.Get(ctx, "enrollments", "e1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreQueryGroup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seed(t, store, Sub("users", "u1", "learningData"), map[string]map[string]interface{}{
		"c1": {"notebookId": "n1", "easeFactor": 2.5},
		"c2": {"notebookId": "n2", "easeFactor": 1.3},
	})
	seed(t, store, Sub("users", "u2", "learningData"), map[string]map[string]interface{}{
		"c1": {"notebookId": "n1", "easeFactor": 2.1},
	})

	docs, err := store.QueryGroup(ctx, "learningData", Where("notebookId", OpEq, "n1"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "u1", docs[0].ParentID())
	assert.Equal(t, "u2", docs[1].ParentID())

	_, err = store.Query(ctx, "users/u1", Where("x", OpEq, 1))
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seed(t, store, "users", map[string]map[string]interface{}{"u1": {"notebookIds": []string{"n1"}}})

	doc, err := store.Get(ctx, "users", "u1")
	require.NoError(t, err)
	doc.Data["notebookIds"].([]interface{})[0] = "mutated"

	doc, err = store.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, doc.Strings("notebookIds"))
}

func TestFormatTimeOrdersLexically(t *testing.T) {
	early := time.Date(2026, 1, 1, 9, 0, 0, 500, time.UTC)
	late := time.Date(2026, 1, 1, 9, 0, 1, 0, time.FixedZone("CST", -6*3600))
	assert.Less(t, FormatTime(early), FormatTime(late))

	parsed, ok := ParseTime(FormatTime(late))
	require.True(t, ok)
	assert.True(t, parsed.Equal(late))
}

func TestTimestampStringsAreStoredInFixedLayout(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seed(t, store, "notebooks", map[string]map[string]interface{}{
		"offset": {"scheduledFreezeAt": "2026-10-15T07:30:00+02:00", "title": "2026 review"},
		"nano":   {"scheduledFreezeAt": "2026-10-15T06:30:00.5Z"},
	})
	doc, err := store.Get(ctx, "notebooks", "offset")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-15T05:30:00.000000000Z", doc.String("scheduledFreezeAt"))
	assert.Equal(t, "2026 review", doc.String("title"))

	docs, err := store.Query(ctx, "notebooks", Where("scheduledFreezeAt", OpLte, time.Date(2026, 10, 15, 6, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, []string{"offset"}, ids(docs))

	type snapshot struct {
		ComputedAt time.Time `json:"computedAt"`
	}
	data, err := ToMap(snapshot{ComputedAt: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "teacherKpis", "t1", data))
	doc, err = store.Get(ctx, "teacherKpis", "t1")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-15T12:00:00.000000000Z", doc.String("computedAt"))
}

func TestDocumentAccessors(t *testing.T) {
	doc := Document{ID: "q1", Collection: "users/u1/quizResults", Data: map[string]interface{}{
		"score":     "8.5",
		"passed":    true,
		"timestamp": map[string]interface{}{"seconds": float64(1767225600), "nanoseconds": float64(0)},
		"legacyMs":  float64(1767225600000),
	}}
	assert.Equal(t, 8.5, doc.Float("score"))
	assert.Equal(t, 8, doc.Int("score"))
	assert.True(t, doc.Bool("passed"))
	assert.Equal(t, "u1", doc.ParentID())
	ts, ok := doc.Time("timestamp")
	require.True(t, ok)
	legacy, ok := doc.Time("legacyMs")
	require.True(t, ok)
	assert.True(t, ts.Equal(legacy))
	_, ok = doc.Time("missing")
	assert.False(t, ok)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simonkey-backend-go/internal/docstore"
	"simonkey-backend-go/internal/jobs"
	"simonkey-backend-go/internal/kpi"
	"simonkey-backend-go/internal/models"
)

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var svcErr ServiceError
	require.True(t, errors.As(err, &svcErr), "expected ServiceError, got %v", err)
	return svcErr.Status
}

func TestTokenServiceAuthenticate(t *testing.T) {
	tokens := TokenService{Secret: []byte("secret"), Issuer: "simonkey", AccessTTL: time.Hour}
	signed, _, err := tokens.CreateAccessToken("t1", "t1@school.mx", []string{models.RoleTeacher})
	require.NoError(t, err)

	p, err := tokens.Authenticate(signed)
	require.NoError(t, err)
	assert.Equal(t, "t1", p.UserID)
	assert.True(t, p.HasRole("TEACHER"))
	assert.False(t, p.HasRole(models.RoleAdmin))

	other := TokenService{Secret: []byte("secret"), Issuer: "someone-else", AccessTTL: time.Hour}
	_, err = other.Authenticate(signed)
	assert.Error(t, err)

	expired := TokenService{Secret: []byte("secret"), Issuer: "simonkey", AccessTTL: -time.Minute}
	signed, _, err = expired.CreateAccessToken("t1", "", nil)
	require.NoError(t, err)
	_, err = tokens.Authenticate(signed)
	assert.Error(t, err)
}

func seedEnrollmentData(t *testing.T) *docstore.MemoryStore {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Set(ctx, models.CollUsers, "s1", map[string]interface{}{"schoolRole": "student"}))
	require.NoError(t, store.Set(ctx, models.CollUsers, "u1", map[string]interface{}{"subscription": "free"}))
	require.NoError(t, store.Set(ctx, models.CollSchoolSubjects, "sub1", map[string]interface{}{
		"name": "Física", "idProfesor": "t1", "idInstitucion": "inst1", "inviteCode": "FIS-101",
	}))
	return store
}

func TestEnrollmentsJoin(t *testing.T) {
	ctx := context.Background()
	store := seedEnrollmentData(t)
	svc := &Enrollments{Store: store}

	enrollment, err := svc.Join(ctx, "s1", " FIS-101 ")
	require.NoError(t, err)
	assert.Equal(t, "sub1", enrollment.SubjectID)
	assert.Equal(t, "t1", enrollment.TeacherID)
	assert.Equal(t, models.EnrollmentActive, enrollment.Status)
	assert.False(t, enrollment.EnrolledAt.IsZero())

	student, err := store.Get(ctx, models.CollUsers, "s1")
	require.NoError(t, err)
	assert.Equal(t, "inst1", student.String("idInstitucion"))

	_, err = svc.Join(ctx, "s1", "FIS-101")
	assert.Equal(t, 409, statusOf(t, err))

	_, err = svc.Join(ctx, "s1", "NOPE")
	assert.Equal(t, 404, statusOf(t, err))
	_, err = svc.Join(ctx, "u1", "FIS-101")
	assert.Equal(t, 403, statusOf(t, err))
	_, err = svc.Join(ctx, "s1", "")
	assert.Equal(t, 400, statusOf(t, err))

	items, err := svc.ListForStudent(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestEnrollmentsSetStatusAndRejoin(t *testing.T) {
	ctx := context.Background()
	svc := &Enrollments{Store: seedEnrollmentData(t)}
	enrollment, err := svc.Join(ctx, "s1", "FIS-101")
	require.NoError(t, err)

	_, err = svc.SetStatus(ctx, "t2", enrollment.ID, "inactive")
	assert.Equal(t, 403, statusOf(t, err))
	_, err = svc.SetStatus(ctx, "t1", enrollment.ID, "paused")
	assert.Equal(t, 400, statusOf(t, err))
	_, err = svc.SetStatus(ctx, "t1", "missing", "inactive")
	assert.Equal(t, 404, statusOf(t, err))

	updated, err := svc.SetStatus(ctx, "t1", enrollment.ID, "Inactive")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentInactive, updated.Status)

	rejoined, err := svc.Join(ctx, "s1", "FIS-101")
	require.NoError(t, err)
	assert.Equal(t, enrollment.ID, rejoined.ID)
	assert.Equal(t, models.EnrollmentActive, rejoined.Status)
}

type failingUserUpdates struct {
	*docstore.MemoryStore
}

func (s failingUserUpdates) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	if collection == models.CollUsers {
		return errors.New("permission denied")
	}
	return s.MemoryStore.Update(ctx, collection, id, fields)
}

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Infof(string, ...interface{}) {}

func (l *recordingLogger) Warnf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) Errorf(string, ...interface{}) {}

func TestEnrollmentsJoinLogsFailedInstitutionBackfill(t *testing.T) {
	ctx := context.Background()
	logger := &recordingLogger{}
	svc := &Enrollments{Store: failingUserUpdates{seedEnrollmentData(t)}, Logger: logger}

	enrollment, err := svc.Join(ctx, "s1", "FIS-101")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentActive, enrollment.Status)
	require.Len(t, logger.warns, 1)
	assert.Contains(t, logger.warns[0], "back-fill idInstitucion for s1")
	assert.Contains(t, logger.warns[0], "permission denied")
}

type fakeConn struct {
	mu     sync.Mutex
	events []KPIEvent
	fail   bool
	closed bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, v.(KPIEvent))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestKPIHubDeliversToOwner(t *testing.T) {
	hub := NewKPIHub()
	mine, theirs, broken := &fakeConn{}, &fakeConn{}, &fakeConn{fail: true}
	hub.Add(mine, "s1")
	hub.Add(theirs, "s2")
	hub.Add(broken, "s1")

	hub.deliver(KPIEvent{Type: EventKPIUpdated, Scope: ScopeUser, OwnerID: "s1"})
	assert.Equal(t, 1, mine.count())
	assert.Equal(t, 0, theirs.count())
	assert.True(t, broken.closed)
	assert.Equal(t, 2, hub.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	hub.Publish(KPIEvent{OwnerID: "s2"})
	require.Eventually(t, func() bool { return theirs.count() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 0, hub.Len())
}

func TestJobRunsRecordAndList(t *testing.T) {
	ctx := context.Background()
	runs := &JobRuns{Store: docstore.NewMemoryStore(), DiskPath: t.TempDir()}
	base := time.Date(2026, 10, 15, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, runs.RecordRun(ctx, jobs.FreezeSweepJob, jobs.TriggerSchedule, jobs.SweepReport{
			StartedAt:  start,
			FinishedAt: start.Add(1500 * time.Millisecond),
			Frozen:     i,
		}))
	}

	items, err := runs.List(ctx, jobs.FreezeSweepJob, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 2, items[0].Frozen)
	assert.Equal(t, int64(1500), items[0].DurationMs)
	assert.Equal(t, []string{}, items[0].Errors)
	assert.Greater(t, items[0].Resources.Goroutines, 0)

	items, err = runs.List(ctx, "other-job", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]interface{}
	hits int
}

func (c *mapCache) Get(_ context.Context, key string, dst interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return false, nil
	}
	c.hits++
	switch out := dst.(type) {
	case *kpi.UserKPIs:
		*out = v.(kpi.UserKPIs)
	case *kpi.TeacherKPIs:
		*out = v.(kpi.TeacherKPIs)
	}
	return true, nil
}

func (c *mapCache) Set(_ context.Context, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.data, key)
	}
	return nil
}

func TestKPIServiceRefreshThenCachedRead(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Set(ctx, models.CollUsers, "s1", map[string]interface{}{"schoolRole": "student"}))
	require.NoError(t, store.Set(ctx, models.CollUsers, "t1", map[string]interface{}{"schoolRole": "teacher"}))
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	hub := NewKPIHub()
	c := &mapCache{data: map[string]interface{}{}}
	svc := &KPIService{
		Aggregator: kpi.New(store, kpi.Options{Now: func() time.Time { return now }}),
		Cache:      c,
		Hub:        hub,
	}

	_, err := svc.UserDashboard(ctx, "s1")
	assert.Equal(t, 404, statusOf(t, err))

	res, err := svc.RefreshUser(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, now, res.KPIs.ComputedAt)
	assert.Len(t, hub.ch, 1)

	dash, err := svc.UserDashboard(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", dash.UserID)
	assert.Equal(t, 1, c.hits)

	// a cold cache falls back to the stored snapshot
	require.NoError(t, c.Delete(ctx, "kpi:user:s1"))
	dash, err = svc.UserDashboard(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, now, dash.ComputedAt)

	_, err = svc.RefreshUser(ctx, "ghost")
	assert.Equal(t, 404, statusOf(t, err))
	_, err = svc.RefreshTeacher(ctx, "s1")
	assert.Equal(t, 403, statusOf(t, err))

	_, err = svc.TeacherDashboard(ctx, "t1")
	assert.Equal(t, 404, statusOf(t, err))
	teacher, err := svc.RefreshTeacher(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", teacher.KPIs.TeacherID)

	report, err := svc.Rebuild(ctx, []string{"s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	_, cached := c.data["kpi:user:s1"]
	assert.False(t, cached)
}

func TestErrInternalKeepsServiceErrors(t *testing.T) {
	err := ErrInternal(errors.New("pq: connection refused"))
	assert.Equal(t, 500, statusOf(t, err))
	assert.Equal(t, "internal: pq: connection refused", err.Error())

	notFound := ErrNotFound("User not found")
	assert.Equal(t, notFound, ErrInternal(WrapError(notFound, "load")))
	assert.Nil(t, ErrInternal(nil))
}

func TestKPIServiceInvalidatesRewrittenSnapshots(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Set(ctx, models.CollUsers, "s1", map[string]interface{}{"schoolRole": "student", "idInstitucion": "inst1"}))
	require.NoError(t, store.Set(ctx, models.CollUsers, "t1", map[string]interface{}{"schoolRole": "teacher", "idInstitucion": "inst1"}))
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	c := &mapCache{data: map[string]interface{}{}}
	svc := &KPIService{
		Aggregator: kpi.New(store, kpi.Options{
			Now:                   func() time.Time { return now },
			StudentSnapshotMaxAge: 30 * time.Minute,
		}),
		Cache: c,
	}

	_, err := svc.RefreshUser(ctx, "s1")
	require.NoError(t, err)
	_, err = svc.RefreshTeacher(ctx, "t1")
	require.NoError(t, err)

	// a full rebuild rewrites every snapshot
	now = now.Add(time.Hour)
	report, err := svc.Rebuild(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	dash, err := svc.UserDashboard(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, now, dash.ComputedAt)
	teacher, err := svc.TeacherDashboard(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, now, teacher.ComputedAt)

	// a teacher refresh recomputes the stale student behind the cache
	now = now.Add(time.Hour)
	res, err := svc.RefreshTeacher(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, res.RefreshedStudentIDs)
	dash, err = svc.UserDashboard(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, now, dash.ComputedAt)
}

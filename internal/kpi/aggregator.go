// Package kpi computes the per-user and per-teacher dashboard snapshots.
package kpi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"simonkey-backend-go/internal/docstore"
	"simonkey-backend-go/internal/logging"
	"simonkey-backend-go/internal/models"
)

var (
	ErrUserNotFound     = errors.New("kpi: user not found")
	ErrNotTeacher       = errors.New("kpi: user is not a teacher")
	ErrSnapshotNotFound = errors.New("kpi: snapshot not found")
)

type Options struct {
	Logger   logging.Logger
	Now      func() time.Time
	Location *time.Location
	// PeerConcurrency bounds parallel peer and student sub-queries.
	PeerConcurrency int
	// StudentSnapshotMaxAge makes the teacher aggregator recompute older
	// student snapshots. Zero only recomputes missing ones.
	StudentSnapshotMaxAge time.Duration
	RepairLinks           bool
}

type Aggregator struct {
	store docstore.Store
	opts  Options
}

func New(store docstore.Store, opts Options) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = logging.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.PeerConcurrency <= 0 {
		opts.PeerConcurrency = 1
	}
	return &Aggregator{store: store, opts: opts}
}

// run carries the per-invocation state shared by concurrent sub-queries.
type run struct {
	a *Aggregator

	mu          sync.Mutex
	warnings    []string
	repaired    int
	adminInst   map[string]string
	peersBySubj map[string][]string
}

func (a *Aggregator) newRun() *run {
	return &run{
		a:           a,
		adminInst:   map[string]string{},
		peersBySubj: map[string][]string{},
	}
}

func (r *run) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.a.opts.Logger.Warnf("kpi: %s", msg)
	r.mu.Lock()
	r.warnings = append(r.warnings, msg)
	r.mu.Unlock()
}

func (r *run) sortedWarnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string{}, r.warnings...)
	sort.Strings(out)
	return out
}

func (r *run) repairCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.repaired
}

// query treats failures as an empty result.
func (r *run) query(ctx context.Context, label, collection string, filters ...docstore.Filter) []docstore.Document {
	docs, err := r.a.store.Query(ctx, collection, filters...)
	if err != nil {
		r.warn("%s query failed: %v", label, err)
		return nil
	}
	return docs
}

func (r *run) queryGroup(ctx context.Context, label, group string, filters ...docstore.Filter) []docstore.Document {
	docs, err := r.a.store.QueryGroup(ctx, group, filters...)
	if err != nil {
		r.warn("%s query failed: %v", label, err)
		return nil
	}
	return docs
}

func (r *run) get(ctx context.Context, label, collection, id string) (docstore.Document, bool) {
	if id == "" {
		return docstore.Document{}, false
	}
	doc, err := r.a.store.Get(ctx, collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return docstore.Document{}, false
	}
	if err != nil {
		r.warn("%s lookup %s failed: %v", label, id, err)
		return docstore.Document{}, false
	}
	return doc, true
}

// repair writes back a link recovered through a fallback path.
func (r *run) repair(ctx context.Context, collection, id string, fields map[string]interface{}) {
	if !r.a.opts.RepairLinks || ctx.Err() != nil {
		return
	}
	if err := r.a.store.Update(ctx, collection, id, fields); err != nil {
		r.warn("repair %s/%s failed: %v", collection, id, err)
		return
	}
	r.a.opts.Logger.Infof("kpi: repaired %s/%s %v", collection, id, fields)
	r.mu.Lock()
	r.repaired++
	r.mu.Unlock()
}

func (a *Aggregator) loadUser(ctx context.Context, userID string) (models.User, error) {
	if userID == "" {
		return models.User{}, ErrUserNotFound
	}
	doc, err := a.store.Get(ctx, models.CollUsers, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	return models.UserFromDoc(doc), nil
}

// LoadUserKPIs reads the stored dashboard snapshot.
func (a *Aggregator) LoadUserKPIs(ctx context.Context, userID string) (UserKPIs, error) {
	var out UserKPIs
	doc, err := a.store.Get(ctx, models.KPICollection(userID), models.DashboardDocID)
	if errors.Is(err, docstore.ErrNotFound) {
		return out, ErrSnapshotNotFound
	}
	if err != nil {
		return out, err
	}
	if err := doc.Decode(&out); err != nil {
		return out, fmt.Errorf("decode user kpis %s: %w", userID, err)
	}
	return out, nil
}

func (a *Aggregator) LoadTeacherKPIs(ctx context.Context, teacherID string) (TeacherKPIs, error) {
	var out TeacherKPIs
	doc, err := a.store.Get(ctx, models.CollTeacherKPIs, teacherID)
	if errors.Is(err, docstore.ErrNotFound) {
		return out, ErrSnapshotNotFound
	}
	if err != nil {
		return out, err
	}
	if err := doc.Decode(&out); err != nil {
		return out, fmt.Errorf("decode teacher kpis %s: %w", teacherID, err)
	}
	return out, nil
}

func (a *Aggregator) save(ctx context.Context, collection, id string, snapshot interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := docstore.ToMap(snapshot)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, collection, id, data)
}

func uniqueSorted(values []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

package services

import (
	"context"
	"errors"
	"time"

	"simonkey-backend-go/internal/cache"
	"simonkey-backend-go/internal/kpi"
	"simonkey-backend-go/internal/logging"
)

const (
	ScopeUser    = "user"
	ScopeTeacher = "teacher"
)

// KPIService serves dashboards through the snapshot cache and notifies
// connected owners when a snapshot is rewritten.
type KPIService struct {
	Aggregator *kpi.Aggregator
	Cache      cache.Snapshots
	Hub        *KPIHub
	Logger     logging.Logger
}

func (s *KPIService) cache() cache.Snapshots {
	if s.Cache == nil {
		return cache.Nop{}
	}
	return s.Cache
}

func (s *KPIService) logger() logging.Logger {
	if s.Logger == nil {
		return logging.Discard
	}
	return s.Logger
}

// UserDashboard returns the stored snapshot; 404 until one has been computed.
func (s *KPIService) UserDashboard(ctx context.Context, userID string) (kpi.UserKPIs, error) {
	var out kpi.UserKPIs
	if ok, err := s.cache().Get(ctx, cache.UserKey(userID), &out); err == nil && ok {
		return out, nil
	} else if err != nil {
		s.logger().Warnf("kpi cache read %s: %v", userID, err)
	}
	out, err := s.Aggregator.LoadUserKPIs(ctx, userID)
	if errors.Is(err, kpi.ErrSnapshotNotFound) {
		return kpi.UserKPIs{}, ErrNotFound("KPI snapshot not found")
	}
	if err != nil {
		return kpi.UserKPIs{}, ErrInternal(err)
	}
	s.store(ctx, cache.UserKey(userID), out)
	return out, nil
}

func (s *KPIService) RefreshUser(ctx context.Context, userID string) (kpi.UserResult, error) {
	res, err := s.Aggregator.UpdateUserKPIs(ctx, userID)
	if err != nil {
		return kpi.UserResult{}, mapKPIError(err)
	}
	s.store(ctx, cache.UserKey(userID), res.KPIs)
	s.publish(ScopeUser, userID, res.KPIs.ComputedAt)
	return res, nil
}

func (s *KPIService) TeacherDashboard(ctx context.Context, teacherID string) (kpi.TeacherKPIs, error) {
	var out kpi.TeacherKPIs
	if ok, err := s.cache().Get(ctx, cache.TeacherKey(teacherID), &out); err == nil && ok {
		return out, nil
	} else if err != nil {
		s.logger().Warnf("kpi cache read teacher %s: %v", teacherID, err)
	}
	out, err := s.Aggregator.LoadTeacherKPIs(ctx, teacherID)
	if errors.Is(err, kpi.ErrSnapshotNotFound) {
		return kpi.TeacherKPIs{}, ErrNotFound("KPI snapshot not found")
	}
	if err != nil {
		return kpi.TeacherKPIs{}, ErrInternal(err)
	}
	s.store(ctx, cache.TeacherKey(teacherID), out)
	return out, nil
}

func (s *KPIService) RefreshTeacher(ctx context.Context, teacherID string) (kpi.TeacherResult, error) {
	res, err := s.Aggregator.UpdateTeacherKPIs(ctx, teacherID)
	if err != nil {
		return kpi.TeacherResult{}, mapKPIError(err)
	}
	s.store(ctx, cache.TeacherKey(teacherID), res.KPIs)
	for _, studentID := range res.RefreshedStudentIDs {
		if err := s.cache().Delete(ctx, cache.UserKey(studentID)); err != nil {
			s.logger().Warnf("kpi cache invalidate %s: %v", studentID, err)
		}
		s.publish(ScopeUser, studentID, res.KPIs.ComputedAt)
	}
	s.publish(ScopeTeacher, teacherID, res.KPIs.ComputedAt)
	return res, nil
}

// Rebuild recomputes everything (or userIDs) and drops the cached copy of
// every snapshot the rebuild rewrote.
func (s *KPIService) Rebuild(ctx context.Context, userIDs []string) (kpi.RebuildReport, error) {
	report, err := s.Aggregator.RebuildAll(ctx, userIDs)
	s.invalidate(context.WithoutCancel(ctx), report.Rewritten)
	if err != nil {
		return report, ErrInternal(err)
	}
	return report, nil
}

const invalidateChunk = 500

func (s *KPIService) invalidate(ctx context.Context, userIDs []string) {
	for start := 0; start < len(userIDs); start += invalidateChunk {
		end := start + invalidateChunk
		if end > len(userIDs) {
			end = len(userIDs)
		}
		keys := make([]string, 0, 2*(end-start))
		for _, id := range userIDs[start:end] {
			keys = append(keys, cache.UserKey(id), cache.TeacherKey(id))
		}
		if err := s.cache().Delete(ctx, keys...); err != nil {
			s.logger().Warnf("kpi cache invalidate: %v", err)
		}
	}
}

func (s *KPIService) store(ctx context.Context, key string, value interface{}) {
	if err := s.cache().Set(ctx, key, value); err != nil {
		s.logger().Warnf("kpi cache write %s: %v", key, err)
	}
}

func (s *KPIService) publish(scope, ownerID string, computedAt time.Time) {
	if s.Hub == nil {
		return
	}
	s.Hub.Publish(KPIEvent{Type: EventKPIUpdated, Scope: scope, OwnerID: ownerID, ComputedAt: computedAt})
}

func mapKPIError(err error) error {
	switch {
	case errors.Is(err, kpi.ErrUserNotFound):
		return ErrNotFound("User not found")
	case errors.Is(err, kpi.ErrNotTeacher):
		return ErrForbidden("User is not a teacher")
	}
	return ErrInternal(err)
}

package kpi

import (
	"context"
	"fmt"
	"sort"

	"simonkey-backend-go/internal/models"
)

type RebuildReport struct {
	Processed int      `json:"processed"`
	Users     int      `json:"users"`
	Teachers  int      `json:"teachers"`
	Errors    []string `json:"errors"`
	// Rewritten holds every user whose stored snapshot (dashboard or teacher
	// view) was rewritten, students refreshed by teachers included.
	Rewritten []string `json:"-"`
}

// RebuildAll recomputes every user (or only userIDs when given) and then every
// teacher among them, so teacher snapshots read fresh student dashboards.
func (a *Aggregator) RebuildAll(ctx context.Context, userIDs []string) (RebuildReport, error) {
	report := RebuildReport{Errors: []string{}}
	var users []models.User
	if len(userIDs) == 0 {
		docs, err := a.store.Query(ctx, models.CollUsers)
		if err != nil {
			return report, fmt.Errorf("list users: %w", err)
		}
		for _, doc := range docs {
			users = append(users, models.UserFromDoc(doc))
		}
	} else {
		for _, id := range uniqueSorted(userIDs) {
			user, err := a.loadUser(ctx, id)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("user %s: %v", id, err))
				continue
			}
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	var teachers []models.User
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := a.UpdateUserKPIs(ctx, user.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("user %s: %v", user.ID, err))
		} else {
			report.Users++
			report.Rewritten = append(report.Rewritten, user.ID)
		}
		report.Processed++
		if user.IsSchoolTeacher() {
			teachers = append(teachers, user)
		}
	}
	for _, teacher := range teachers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := a.UpdateTeacherKPIs(ctx, teacher.ID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("teacher %s: %v", teacher.ID, err))
			continue
		}
		report.Teachers++
		report.Rewritten = append(report.Rewritten, teacher.ID)
		report.Rewritten = append(report.Rewritten, res.RefreshedStudentIDs...)
	}
	report.Rewritten = uniqueSorted(report.Rewritten)
	a.opts.Logger.Infof("kpi: rebuild processed %d users, %d teachers, %d errors",
		report.Processed, report.Teachers, len(report.Errors))
	return report, nil
}

package kpi

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"simonkey-backend-go/internal/docstore"
	"simonkey-backend-go/internal/models"
)

// UpdateTeacherKPIs aggregates the teacher's students' dashboards into
// teacherKpis/{teacherId}. Student snapshots that are missing or older than
// StudentSnapshotMaxAge are recomputed before they are read.
func (a *Aggregator) UpdateTeacherKPIs(ctx context.Context, teacherID string) (TeacherResult, error) {
	teacher, err := a.loadUser(ctx, teacherID)
	if err != nil {
		return TeacherResult{}, err
	}
	if !teacher.IsSchoolTeacher() {
		return TeacherResult{}, ErrNotTeacher
	}
	r := a.newRun()
	now := a.opts.Now()
	wk := newWeek(now, a.opts.Location)
	inst := r.resolveInstitution(ctx, teacher)

	subjectDocs := r.query(ctx, "teacher subjects", models.CollSchoolSubjects,
		docstore.Where("idProfesor", docstore.OpEq, teacher.ID))
	notebooksBySubject := make([][]models.Notebook, len(subjectDocs))
	totalNotebooks := 0
	for i, doc := range subjectDocs {
		notebooksBySubject[i] = r.subjectNotebooks(ctx, doc.ID)
		totalNotebooks += len(notebooksBySubject[i])
	}

	studentIDs := r.teacherStudents(ctx, teacher, inst)
	snapshots, refreshed := r.studentSnapshots(ctx, studentIDs)
	if err := ctx.Err(); err != nil {
		return TeacherResult{}, err
	}

	out := TeacherKPIs{
		TeacherID:     teacher.ID,
		InstitutionID: inst,
		Subjects:      make(map[string]TeacherSubjectKPIs, len(subjectDocs)),
		Notebooks:     make(map[string]TeacherNotebookKPIs, totalNotebooks),
		WeekStart:     wk.label(),
		ComputedAt:    now.UTC(),
	}
	active := map[string]bool{}
	var weekly WeekBuckets
	globalScore, globalPercentile, notebooksWithData := 0.0, 0.0, 0

	for i, doc := range subjectDocs {
		subject := models.SubjectFromDoc(doc)
		s := TeacherSubjectKPIs{Name: subject.Name, NotebookCount: len(notebooksBySubject[i])}
		subjectStudents := map[string]bool{}
		scoreSum, percentileSum, withData := 0.0, 0.0, 0

		for _, nb := range notebooksBySubject[i] {
			k := TeacherNotebookKPIs{Title: nb.Title, SubjectID: subject.ID}
			nbScore, nbPercentile, nbMastered := 0.0, 0.0, 0.0
			for _, id := range studentIDs {
				snap, ok := snapshots[id]
				if !ok {
					continue
				}
				nk, ok := snap.Notebooks[nb.ID]
				if !ok {
					continue
				}
				if nk.ConceptsTotal > k.ConceptsTotal {
					k.ConceptsTotal = nk.ConceptsTotal
				}
				if !hasActivity(nk) {
					continue
				}
				k.StudentsWithData++
				nbScore += nk.Score
				nbPercentile += nk.Percentile
				nbMastered += float64(nk.ConceptsMastered)
				k.StudyTimeMinutes += nk.StudyTimeMinutes
				k.SmartStudies += nk.SmartStudies
				k.FreeStudies += nk.FreeStudies
				if snap.WeekStart == out.WeekStart {
					k.WeeklyMinutes.Merge(nk.WeeklyMinutes)
				}
				active[id] = true
				subjectStudents[id] = true
			}
			k.AvgScore = mean(nbScore, k.StudentsWithData)
			k.AvgPercentile = mean(nbPercentile, k.StudentsWithData)
			k.AvgStudyTimeMinutes = mean(k.StudyTimeMinutes, k.StudentsWithData)
			k.AvgConceptsMastered = mean(nbMastered, k.StudentsWithData)
			k.StudyTimeMinutes = round2(k.StudyTimeMinutes)
			k.WeeklyMinutes = k.WeeklyMinutes.rounded()
			out.Notebooks[nb.ID] = k

			weekly.Merge(k.WeeklyMinutes)
			s.StudyTimeMinutes += k.StudyTimeMinutes
			s.SmartStudies += k.SmartStudies
			s.FreeStudies += k.FreeStudies
			if k.StudentsWithData > 0 {
				withData++
				scoreSum += k.AvgScore
				percentileSum += k.AvgPercentile
			}
		}
		s.StudentCount = len(subjectStudents)
		s.AvgScore = mean(scoreSum, withData)
		s.AvgPercentile = mean(percentileSum, withData)
		s.StudyTimeMinutes = round2(s.StudyTimeMinutes)
		out.Subjects[subject.ID] = s

		out.Global.StudyTimeMinutes += s.StudyTimeMinutes
		out.Global.SmartStudies += s.SmartStudies
		out.Global.FreeStudies += s.FreeStudies
		globalScore += scoreSum
		globalPercentile += percentileSum
		notebooksWithData += withData
	}

	out.Global.TotalSubjects = len(subjectDocs)
	out.Global.TotalNotebooks = totalNotebooks
	out.Global.TotalStudents = len(studentIDs)
	out.Global.ActiveStudents = len(active)
	out.Global.AvgScore = mean(globalScore, notebooksWithData)
	out.Global.AvgPercentile = mean(globalPercentile, notebooksWithData)
	out.Global.StudyTimeMinutes = round2(out.Global.StudyTimeMinutes)
	out.Global.AvgStudyTimeMinutes = mean(out.Global.StudyTimeMinutes, len(active))
	out.WeeklyTime = weekly.rounded()

	if err := a.save(ctx, models.CollTeacherKPIs, teacher.ID, out); err != nil {
		return TeacherResult{}, fmt.Errorf("save teacher kpis for %s: %w", teacher.ID, err)
	}
	a.opts.Logger.Infof("kpi: updated teacher %s (%d students, %d refreshed)", teacher.ID, len(studentIDs), len(refreshed))
	return TeacherResult{
		KPIs:                out,
		RefreshedStudents:   len(refreshed),
		RefreshedStudentIDs: refreshed,
		Repaired:            r.repairCount(),
		Warnings:            r.sortedWarnings(),
	}, nil
}

func hasActivity(k NotebookKPIs) bool {
	return k.SmartStudies+k.FreeStudies+k.QuizCount > 0 || k.StudyTimeMinutes > 0
}

// teacherStudents lists the teacher's institution students, falling back to
// the teacher's active enrollments.
func (r *run) teacherStudents(ctx context.Context, teacher models.User, inst string) []string {
	var ids []string
	for _, student := range r.institutionStudents(ctx, inst, teacher.AdminID) {
		ids = append(ids, student.ID)
	}
	if len(ids) > 0 {
		return uniqueSorted(ids)
	}
	docs := r.query(ctx, "teacher enrollments", models.CollEnrollments,
		docstore.Where("teacherId", docstore.OpEq, teacher.ID),
		docstore.Where("status", docstore.OpEq, models.EnrollmentActive))
	for _, doc := range docs {
		ids = append(ids, doc.String("studentId"))
	}
	return uniqueSorted(ids)
}

// studentSnapshots reads each student's dashboard once, recomputing missing or
// stale ones first. The second result lists the recomputed students in order.
func (r *run) studentSnapshots(ctx context.Context, ids []string) (map[string]UserKPIs, []string) {
	results := make([]*UserKPIs, len(ids))
	refreshed := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.a.opts.PeerConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			snap, err := r.a.LoadUserKPIs(gctx, id)
			if err == nil && !r.stale(snap) {
				results[i] = &snap
				return nil
			}
			if err != nil && !errors.Is(err, ErrSnapshotNotFound) {
				r.warn("student %s snapshot read failed: %v", id, err)
			}
			res, updateErr := r.a.UpdateUserKPIs(gctx, id)
			if updateErr != nil {
				r.warn("student %s refresh failed: %v", id, updateErr)
				if err == nil {
					results[i] = &snap
				}
				return nil
			}
			for _, w := range res.Warnings {
				r.warn("student %s: %s", id, w)
			}
			results[i] = &res.KPIs
			refreshed[i] = true
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]UserKPIs, len(ids))
	var recomputed []string
	for i, id := range ids {
		if results[i] != nil {
			out[id] = *results[i]
		}
		if refreshed[i] {
			recomputed = append(recomputed, id)
		}
	}
	return out, recomputed
}

func (r *run) stale(snap UserKPIs) bool {
	maxAge := r.a.opts.StudentSnapshotMaxAge
	return maxAge > 0 && r.a.opts.Now().Sub(snap.ComputedAt) > maxAge
}

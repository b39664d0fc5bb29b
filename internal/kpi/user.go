package kpi

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"simonkey-backend-go/internal/docstore"
	"simonkey-backend-go/internal/models"
)

// MiniQuizPassScore is the mini-quiz score that validates a smart session
// when the result carries no explicit passed flag.
const MiniQuizPassScore = 8

type notebookAcc struct {
	nb           models.Notebook
	smartSeconds float64
	freeSeconds  float64
	quizSeconds  float64
	smart        int
	free         int
	successful   int
	quizCount    int
	miniPassed   int
	masteryGain  int
	mastered     int
	maxQuiz      float64
	last         time.Time
	weekly       WeekBuckets
}

func (acc *notebookAcc) touch(ts time.Time) {
	if ts.After(acc.last) {
		acc.last = ts
	}
}

// UpdateUserKPIs recomputes and overwrites users/{id}/kpis/dashboard.
func (a *Aggregator) UpdateUserKPIs(ctx context.Context, userID string) (UserResult, error) {
	r := a.newRun()
	kpis, err := r.computeUser(ctx, userID)
	if err != nil {
		return UserResult{}, err
	}
	if err := a.save(ctx, models.KPICollection(userID), models.DashboardDocID, kpis); err != nil {
		return UserResult{}, fmt.Errorf("save kpis for %s: %w", userID, err)
	}
	a.opts.Logger.Infof("kpi: updated user %s (%d notebooks)", userID, len(kpis.Notebooks))
	return UserResult{KPIs: kpis, Repaired: r.repairCount(), Warnings: r.sortedWarnings()}, nil
}

func (r *run) computeUser(ctx context.Context, userID string) (UserKPIs, error) {
	user, err := r.a.loadUser(ctx, userID)
	if err != nil {
		return UserKPIs{}, err
	}
	now := r.a.opts.Now()
	wk := newWeek(now, r.a.opts.Location)

	var (
		sessions, quizzes, minis, learning []docstore.Document
		notebooks                          []models.Notebook
		names                              map[string]string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sessions = r.query(gctx, "study sessions", models.CollStudySessions,
			docstore.Where("userId", docstore.OpEq, user.ID))
		return nil
	})
	g.Go(func() error {
		quizzes = r.query(gctx, "quiz results", models.QuizCollection(user.ID))
		return nil
	})
	g.Go(func() error {
		minis = r.query(gctx, "mini quiz results", models.MiniQuizCollection(user.ID))
		return nil
	})
	g.Go(func() error {
		learning = r.query(gctx, "learning data", models.LearningCollection(user.ID))
		return nil
	})
	g.Go(func() error {
		notebooks, names = r.userNotebooks(gctx, user)
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return UserKPIs{}, err
	}

	inst := ""
	if user.IsSchoolStudent() {
		inst = r.resolveInstitution(ctx, user)
	}

	conceptTotals := r.conceptTotals(ctx, notebooks)

	accs := make(map[string]*notebookAcc, len(notebooks))
	for _, nb := range notebooks {
		accs[nb.ID] = &notebookAcc{nb: nb}
	}
	var weekly WeekBuckets

	pendingSmart := map[string]string{}
	for _, doc := range sessions {
		s := models.SessionFromDoc(doc)
		acc := accs[s.NotebookID]
		if acc == nil {
			continue
		}
		if s.Mode == models.ModeSmart {
			acc.smart++
			acc.smartSeconds += s.DurationSeconds
			if s.Validated {
				acc.successful++
			} else {
				pendingSmart[s.ID] = s.NotebookID
			}
		} else {
			acc.free++
			acc.freeSeconds += s.DurationSeconds
		}
		acc.masteryGain += s.ConceptsMastered
		acc.touch(s.Start)
		if wk.contains(s.Start) {
			day := wk.weekday(s.Start)
			acc.weekly.Add(day, minutes(s.DurationSeconds))
			weekly.Add(day, minutes(s.DurationSeconds))
		}
	}

	for _, doc := range quizzes {
		q := models.QuizResultFromDoc(doc)
		acc := accs[q.NotebookID]
		if acc == nil {
			continue
		}
		acc.quizCount++
		if q.Score > acc.maxQuiz {
			acc.maxQuiz = q.Score
		}
		acc.quizSeconds += q.TimeSeconds
		acc.touch(q.Timestamp)
		if wk.contains(q.Timestamp) {
			day := wk.weekday(q.Timestamp)
			acc.weekly.Add(day, minutes(q.TimeSeconds))
			weekly.Add(day, minutes(q.TimeSeconds))
		}
	}

	for _, doc := range minis {
		q := models.QuizResultFromDoc(doc)
		acc := accs[q.NotebookID]
		if acc == nil {
			continue
		}
		acc.quizSeconds += q.TimeSeconds
		acc.touch(q.Timestamp)
		if wk.contains(q.Timestamp) {
			day := wk.weekday(q.Timestamp)
			acc.weekly.Add(day, minutes(q.TimeSeconds))
			weekly.Add(day, minutes(q.TimeSeconds))
		}
		if !q.Passed && q.Score < MiniQuizPassScore {
			continue
		}
		acc.miniPassed++
		if nbID, ok := pendingSmart[q.SessionID]; ok && nbID == q.NotebookID {
			acc.successful++
			delete(pendingSmart, q.SessionID)
		}
	}

	for _, doc := range learning {
		rec := models.LearningRecordFromDoc(doc)
		if acc := accs[rec.NotebookID]; acc != nil && rec.Mastered() {
			acc.mastered++
		}
	}

	out := UserKPIs{
		UserID:        user.ID,
		AccountType:   AccountRegular,
		InstitutionID: inst,
		Subjects:      map[string]SubjectKPIs{},
		Notebooks:     make(map[string]NotebookKPIs, len(notebooks)),
		WeekStart:     wk.label(),
		ComputedAt:    now.UTC(),
	}
	if user.IsSchoolStudent() {
		out.AccountType = AccountSchool
	}

	for i, nb := range notebooks {
		acc := accs[nb.ID]
		k := acc.finish(conceptTotals[i])
		peers := r.notebookPeers(ctx, user, inst, nb)
		k.ClassSize = len(peers) + 1
		k.Rank, k.Percentile = rankAndPercentile(k.Score, r.peerScores(ctx, peers, nb.ID))
		out.Notebooks[nb.ID] = k
	}
	if err := ctx.Err(); err != nil {
		return UserKPIs{}, err
	}

	subjectPercentiles := map[string]float64{}
	percentileSum := 0.0
	for _, nb := range notebooks {
		k := out.Notebooks[nb.ID]
		s := out.Subjects[k.SubjectID]
		s.Name = names[k.SubjectID]
		s.NotebookCount++
		s.Score += k.Score
		s.StudyTimeMinutes += k.StudyTimeMinutes
		s.SmartStudies += k.SmartStudies
		s.FreeStudies += k.FreeStudies
		s.ConceptsTotal += k.ConceptsTotal
		s.ConceptsMastered += k.ConceptsMastered
		out.Subjects[k.SubjectID] = s
		subjectPercentiles[k.SubjectID] += k.Percentile

		out.Global.Score += k.Score
		out.Global.StudyTimeMinutes += k.StudyTimeMinutes
		out.Global.SmartStudies += k.SmartStudies
		out.Global.FreeStudies += k.FreeStudies
		out.Global.QuizzesTaken += k.QuizCount
		out.Global.ConceptsTotal += k.ConceptsTotal
		out.Global.ConceptsMastered += k.ConceptsMastered
		percentileSum += k.Percentile
	}
	for id, s := range out.Subjects {
		s.Score = round2(s.Score)
		s.StudyTimeMinutes = round2(s.StudyTimeMinutes)
		s.AvgPercentile = mean(subjectPercentiles[id], s.NotebookCount)
		out.Subjects[id] = s
	}
	out.Global.Score = round2(out.Global.Score)
	out.Global.StudyTimeMinutes = round2(out.Global.StudyTimeMinutes)
	out.Global.AvgPercentile = mean(percentileSum, len(notebooks))
	out.Global.NotebookCount = len(notebooks)
	out.Global.SubjectCount = len(out.Subjects)
	out.WeeklyTime = weekly.rounded()
	return out, nil
}

func (acc *notebookAcc) finish(conceptsTotal int) NotebookKPIs {
	k := NotebookKPIs{
		Title:                  acc.nb.Title,
		SubjectID:              acc.nb.SubjectID,
		School:                 acc.nb.IsSchool(),
		MaxQuizScore:           acc.maxQuiz,
		Score:                  round2(acc.maxQuiz * float64(acc.smart)),
		QuizCount:              acc.quizCount,
		SmartStudies:           acc.smart,
		FreeStudies:            acc.free,
		SuccessfulSmartStudies: acc.successful,
		MiniQuizzesPassed:      acc.miniPassed,
		SmartStudyMinutes:      round2(minutes(acc.smartSeconds)),
		FreeStudyMinutes:       round2(minutes(acc.freeSeconds)),
		QuizMinutes:            round2(minutes(acc.quizSeconds)),
		StudyTimeMinutes:       round2(minutes(acc.smartSeconds + acc.freeSeconds + acc.quizSeconds)),
		ConceptsTotal:          conceptsTotal,
		ConceptsMastered:       acc.mastered,
		SessionMasteryGain:     acc.masteryGain,
		WeeklyMinutes:          acc.weekly.rounded(),
	}
	if k.SubjectID == "" {
		k.SubjectID = models.UnassignedSubject
	}
	if unmastered := conceptsTotal - acc.mastered; unmastered > 0 {
		k.ConceptsUnmastered = unmastered
	}
	if !acc.last.IsZero() {
		last := acc.last.UTC()
		k.LastActivityAt = &last
	}
	return k
}

// conceptTotals counts concepts per notebook, index-aligned with notebooks.
func (r *run) conceptTotals(ctx context.Context, notebooks []models.Notebook) []int {
	totals := make([]int, len(notebooks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.a.opts.PeerConcurrency)
	for i, nb := range notebooks {
		i, nb := i, nb
		g.Go(func() error {
			collection := models.CollConcepts
			if nb.IsSchool() {
				collection = models.CollSchoolConcepts
			}
			docs := r.query(gctx, "concepts", collection, docstore.Where("notebookId", docstore.OpEq, nb.ID))
			for _, doc := range docs {
				totals[i] += len(doc.Array("concepts"))
			}
			return nil
		})
	}
	_ = g.Wait()
	return totals
}

// notebookPeers returns classmates for a school notebook: active enrollments
// of its subject, else students of the same institution. Personal notebooks
// have no peers.
func (r *run) notebookPeers(ctx context.Context, user models.User, inst string, nb models.Notebook) []string {
	if !nb.IsSchool() || !user.IsSchoolStudent() {
		return nil
	}
	key := nb.SubjectID
	r.mu.Lock()
	cached, ok := r.peersBySubj[key]
	r.mu.Unlock()
	if ok {
		return cached
	}

	var ids []string
	if key != "" && key != models.UnassignedSubject {
		ids = without(r.subjectStudents(ctx, key), user.ID)
	}
	if len(ids) == 0 {
		for _, student := range r.institutionStudents(ctx, inst, user.AdminID) {
			ids = append(ids, student.ID)
		}
		ids = without(uniqueSorted(ids), user.ID)
	}

	r.mu.Lock()
	r.peersBySubj[key] = ids
	r.mu.Unlock()
	return ids
}

// peerScores runs one sub-query pair per peer, bounded by PeerConcurrency.
func (r *run) peerScores(ctx context.Context, peers []string, notebookID string) []float64 {
	scores := make([]float64, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.a.opts.PeerConcurrency)
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			scores[i] = r.peerScore(gctx, peer, notebookID)
			return nil
		})
	}
	_ = g.Wait()
	return scores
}

func (r *run) peerScore(ctx context.Context, peerID, notebookID string) float64 {
	quizzes := r.query(ctx, "peer quiz results", models.QuizCollection(peerID),
		docstore.Where("notebookId", docstore.OpEq, notebookID))
	maxQuiz := 0.0
	for _, doc := range quizzes {
		if score := doc.Float("score"); score > maxQuiz {
			maxQuiz = score
		}
	}
	if maxQuiz == 0 {
		return 0
	}
	sessions := r.query(ctx, "peer study sessions", models.CollStudySessions,
		docstore.Where("userId", docstore.OpEq, peerID),
		docstore.Where("notebookId", docstore.OpEq, notebookID),
		docstore.Where("mode", docstore.OpEq, models.ModeSmart))
	return round2(maxQuiz * float64(len(sessions)))
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

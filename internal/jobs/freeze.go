package jobs

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"simonkey-backend-go/internal/docstore"
	"simonkey-backend-go/internal/logging"
	"simonkey-backend-go/internal/models"
)

// SweepReport summarises one freeze/unfreeze pass.
type SweepReport struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Frozen     int       `json:"frozen"`
	Unfrozen   int       `json:"unfrozen"`
	Errors     []string  `json:"errors"`
}

// FreezeSweeper flips notebooks whose scheduledFreezeAt or
// scheduledUnfreezeAt has passed. Each schedule field is deleted on flip so a
// notebook changes state once per schedule.
type FreezeSweeper struct {
	store     docstore.Store
	logger    logging.Logger
	now       func() time.Time
	batchSize int
}

func NewFreezeSweeper(store docstore.Store, logger logging.Logger, batchSize int) *FreezeSweeper {
	if logger == nil {
		logger = logging.Discard
	}
	if batchSize <= 0 || batchSize > docstore.MaxBatchWrites {
		batchSize = docstore.MaxBatchWrites
	}
	return &FreezeSweeper{store: store, logger: logger, now: time.Now, batchSize: batchSize}
}

var sweptCollections = []string{models.CollNotebooks, models.CollSchoolNotebooks}

const (
	fieldFreezeAt   = "scheduledFreezeAt"
	fieldUnfreezeAt = "scheduledUnfreezeAt"
)

func (s *FreezeSweeper) Sweep(ctx context.Context) (SweepReport, error) {
	now := s.now().UTC()
	report := SweepReport{StartedAt: now, Errors: []string{}}
	w := &batchWriter{store: s.store, size: s.batchSize, report: &report}

	for _, collection := range sweptCollections {
		docs, err := s.scheduled(ctx, collection, &report)
		if err != nil {
			return report, err
		}
		for _, doc := range docs {
			s.apply(ctx, w, collection, doc, now, &report)
		}
	}
	w.flush(ctx, &report)
	report.FinishedAt = s.now().UTC()
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if report.Frozen+report.Unfrozen > 0 || len(report.Errors) > 0 {
		s.logger.Infof("freeze sweep: frozen=%d unfrozen=%d errors=%d", report.Frozen, report.Unfrozen, len(report.Errors))
	}
	return report, nil
}

// scheduled returns every notebook carrying either schedule field, once,
// ordered by ID. Due-ness is decided per document with Document.Time so
// offsets and epoch milliseconds are honoured.
func (s *FreezeSweeper) scheduled(ctx context.Context, collection string, report *SweepReport) ([]docstore.Document, error) {
	byID := map[string]docstore.Document{}
	for _, field := range []string{fieldFreezeAt, fieldUnfreezeAt} {
		docs, err := s.store.Query(ctx, collection, docstore.Exists(field))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			report.Errors = append(report.Errors, fmt.Sprintf("%s %s query: %v", collection, field, err))
			continue
		}
		for _, doc := range docs {
			byID[doc.ID] = doc
		}
	}
	out := make([]docstore.Document, 0, len(byID))
	for _, doc := range byID {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// apply folds the due boundaries of one notebook in chronological order into
// a single update. The later boundary decides the final isFrozen; a freeze
// and an unfreeze at the same instant apply freeze first.
func (s *FreezeSweeper) apply(ctx context.Context, w *batchWriter, collection string, doc docstore.Document, now time.Time, report *SweepReport) {
	freezeAt, freezeDue := s.due(collection, doc, fieldFreezeAt, now)
	unfreezeAt, unfreezeDue := s.due(collection, doc, fieldUnfreezeAt, now)
	if !freezeDue && !unfreezeDue {
		return
	}

	fields := map[string]interface{}{}
	var counters []*int
	wasFrozen := doc.Bool("isFrozen")
	endsFrozen := freezeDue && (!unfreezeDue || unfreezeAt.Before(freezeAt))

	if freezeDue {
		fields[fieldFreezeAt] = docstore.DeleteField
	}
	if unfreezeDue {
		fields[fieldUnfreezeAt] = docstore.DeleteField
		fields["isFrozen"] = false
		fields["unfrozenAt"] = docstore.ServerTimestamp
		fields["frozenScore"] = docstore.DeleteField
		counters = append(counters, &report.Unfrozen)
	}

	switch {
	case endsFrozen && wasFrozen && !unfreezeDue:
		// already frozen: only clear the schedule
	case endsFrozen:
		score, err := s.frozenScore(ctx, doc.ID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s/%s frozen score: %v", collection, doc.ID, err))
			return
		}
		fields["isFrozen"] = true
		fields["frozenAt"] = docstore.ServerTimestamp
		fields["frozenScore"] = score
		counters = append(counters, &report.Frozen)
	case freezeDue && !wasFrozen:
		// frozen and thawed again within the missed window
		fields["frozenAt"] = docstore.ServerTimestamp
		counters = append(counters, &report.Frozen)
	}
	w.update(ctx, collection, doc.ID, fields, counters...)
}

// due reports whether field holds a timestamp at or before now. Unparseable
// values are left in place and logged.
func (s *FreezeSweeper) due(collection string, doc docstore.Document, field string, now time.Time) (time.Time, bool) {
	if !doc.Has(field) {
		return time.Time{}, false
	}
	at, ok := doc.Time(field)
	if !ok {
		s.logger.Warnf("freeze sweep: %s/%s has unreadable %s %v", collection, doc.ID, field, doc.Data[field])
		return time.Time{}, false
	}
	return at, !at.After(now)
}

// frozenScore is the mean easeFactor over every learner's record for the
// notebook, 0 when nobody has studied it.
func (s *FreezeSweeper) frozenScore(ctx context.Context, notebookID string) (float64, error) {
	docs, err := s.store.QueryGroup(ctx, models.SubLearningData, docstore.Where("notebookId", docstore.OpEq, notebookID))
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	sum := 0.0
	for _, doc := range docs {
		sum += doc.Float("easeFactor")
	}
	return math.Round(sum/float64(len(docs))*100) / 100, nil
}

// batchWriter commits updates in batches of at most size writes and credits
// the counters only once their batch has been committed.
type batchWriter struct {
	store   docstore.Store
	size    int
	batch   docstore.Batch
	pending []*int
	report  *SweepReport
}

func (w *batchWriter) update(ctx context.Context, collection, id string, fields map[string]interface{}, counters ...*int) {
	if w.batch == nil {
		w.batch = w.store.NewBatch()
	}
	w.batch.Update(collection, id, fields)
	w.pending = append(w.pending, counters...)
	if w.batch.Len() >= w.size {
		w.flush(ctx, w.report)
	}
}

func (w *batchWriter) flush(ctx context.Context, report *SweepReport) {
	if w.batch == nil || w.batch.Len() == 0 {
		return
	}
	if err := w.batch.Commit(ctx); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("commit %d writes: %v", w.batch.Len(), err))
	} else {
		for _, counter := range w.pending {
			*counter++
		}
	}
	w.batch = nil
	w.pending = nil
}

package jobs

import (
	"context"
	"errors"
	"time"

	"simonkey-backend-go/internal/cache"
	"simonkey-backend-go/internal/logging"
)

const (
	FreezeSweepJob = "freeze-sweep"

	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

var ErrLocked = errors.New("jobs: sweep already running")

// RunRecorder persists a report for every sweep that ran.
type RunRecorder interface {
	RecordRun(ctx context.Context, job, trigger string, report SweepReport) error
}

type Scheduler struct {
	sweeper  *FreezeSweeper
	locker   cache.Locker
	recorder RunRecorder
	logger   logging.Logger
	interval time.Duration
	timeout  time.Duration
}

func NewScheduler(sweeper *FreezeSweeper, locker cache.Locker, recorder RunRecorder, logger logging.Logger, interval, timeout time.Duration) *Scheduler {
	if locker == nil {
		locker = cache.NewLocalLocker()
	}
	if logger == nil {
		logger = logging.Discard
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Scheduler{
		sweeper:  sweeper,
		locker:   locker,
		recorder: recorder,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// Start runs the sweep every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, err := s.RunOnce(ctx, TriggerSchedule)
				if err != nil && !errors.Is(err, ErrLocked) {
					s.logger.Errorf("freeze sweep job error: %v", err)
				}
			}
		}
	}()
}

// RunOnce sweeps under the distributed lock with the per-run timeout.
func (s *Scheduler) RunOnce(ctx context.Context, trigger string) (SweepReport, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	release, ok, err := s.locker.Acquire(runCtx, "jobs:"+FreezeSweepJob, s.timeout)
	if err != nil {
		return SweepReport{}, err
	}
	if !ok {
		s.logger.Infof("freeze sweep skipped: lock held elsewhere")
		return SweepReport{}, ErrLocked
	}
	defer release()

	report, err := s.sweeper.Sweep(runCtx)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	if s.recorder != nil {
		// record even when the sweep ran out of time
		recordCtx, recordCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if recErr := s.recorder.RecordRun(recordCtx, FreezeSweepJob, trigger, report); recErr != nil {
			s.logger.Warnf("record %s run: %v", FreezeSweepJob, recErr)
		}
		recordCancel()
	}
	return report, err
}

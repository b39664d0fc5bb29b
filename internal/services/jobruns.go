package services

import (
	"context"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"simonkey-backend-go/internal/docstore"
	"simonkey-backend-go/internal/jobs"
	"simonkey-backend-go/internal/models"
)

type ResourceSample struct {
	CapturedAt        time.Time `json:"capturedAt"`
	ProcessRSSBytes   int64     `json:"processRssBytes"`
	ProcessCpuLoad    float64   `json:"processCpuLoad"`
	SystemCpuLoad     float64   `json:"systemCpuLoad"`
	SystemMemoryTotal int64     `json:"systemMemoryTotalBytes"`
	SystemMemoryUsed  int64     `json:"systemMemoryUsedBytes"`
	DiskTotalBytes    int64     `json:"diskTotalBytes"`
	DiskUsedBytes     int64     `json:"diskUsedBytes"`
	Goroutines        int       `json:"goroutines"`
}

// CaptureResources samples the process and host; unavailable readings stay 0.
func CaptureResources(diskPath string) ResourceSample {
	sample := ResourceSample{CapturedAt: time.Now().UTC(), Goroutines: runtime.NumGoroutine()}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if rss, err := proc.MemoryInfo(); err == nil && rss != nil {
			sample.ProcessRSSBytes = int64(rss.RSS)
		}
		if cpuPerc, err := proc.CPUPercent(); err == nil {
			sample.ProcessCpuLoad = cpuPerc / 100.0
		}
	}
	if sysCPU, err := cpu.Percent(0, false); err == nil && len(sysCPU) > 0 {
		sample.SystemCpuLoad = sysCPU[0] / 100.0
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		sample.SystemMemoryTotal = int64(memStat.Total)
		sample.SystemMemoryUsed = int64(memStat.Total - memStat.Available)
	}
	diskStat, err := disk.Usage(diskPath)
	if err != nil {
		diskStat, err = disk.Usage("/")
	}
	if err == nil && diskStat != nil {
		sample.DiskTotalBytes = int64(diskStat.Total)
		sample.DiskUsedBytes = int64(diskStat.Used)
	}
	return sample
}

type JobRun struct {
	ID         string         `json:"id"`
	Job        string         `json:"job"`
	Trigger    string         `json:"trigger"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	DurationMs int64          `json:"durationMs"`
	Frozen     int            `json:"frozen"`
	Unfrozen   int            `json:"unfrozen"`
	Errors     []string       `json:"errors"`
	Resources  ResourceSample `json:"resources"`
}

// JobRuns stores scheduled-job reports in the jobRuns collection.
type JobRuns struct {
	Store    docstore.Store
	DiskPath string
}

var _ jobs.RunRecorder = (*JobRuns)(nil)

func (j *JobRuns) RecordRun(ctx context.Context, job, trigger string, report jobs.SweepReport) error {
	run := JobRun{
		ID:         uuid.NewString(),
		Job:        job,
		Trigger:    trigger,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		DurationMs: report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		Frozen:     report.Frozen,
		Unfrozen:   report.Unfrozen,
		Errors:     report.Errors,
		Resources:  CaptureResources(j.DiskPath),
	}
	if run.Errors == nil {
		run.Errors = []string{}
	}
	data, err := docstore.ToMap(run)
	if err != nil {
		return err
	}
	return WrapError(j.Store.Set(ctx, models.CollJobRuns, run.ID, data), "record job run")
}

// List returns the most recent runs first.
func (j *JobRuns) List(ctx context.Context, job string, limit int) ([]JobRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var filters []docstore.Filter
	if job != "" {
		filters = append(filters, docstore.Where("job", docstore.OpEq, job))
	}
	docs, err := j.Store.Query(ctx, models.CollJobRuns, filters...)
	if err != nil {
		return nil, WrapError(err, "list job runs")
	}
	items := make([]JobRun, 0, len(docs))
	for _, doc := range docs {
		var run JobRun
		if err := doc.Decode(&run); err != nil {
			continue
		}
		items = append(items, run)
	}
	sort.SliceStable(items, func(a, b int) bool { return items[a].StartedAt.After(items[b].StartedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Package jobs runs periodic engine housekeeping on cron schedules: the
// statistics report, record export and the time-in-force sweep.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/victoralfred/execution-engine/internal/core/ports"
	"github.com/victoralfred/execution-engine/internal/core/services/monitor"
	"go.uber.org/zap"
)

// Config holds cron expressions. An empty expression disables the job.
// Expressions accept an optional seconds field.
type Config struct {
	StatisticsSchedule string        `mapstructure:"statistics_schedule"`
	ExportSchedule     string        `mapstructure:"export_schedule"`
	ExpirySchedule     string        `mapstructure:"expiry_schedule"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns reasonable default configuration
func DefaultConfig() Config {
	return Config{
		StatisticsSchedule: "@every 1m",
		ExportSchedule:     "@every 5m",
		ExpirySchedule:     "*/10 * * * * *",
		Timeout:            30 * time.Second,
	}
}

// Statistics is the monitor surface the report and export jobs use
type Statistics interface {
	GetOverallStatistics() monitor.Statistics
	Export(ctx context.Context, exporter ports.RecordExporter) (int, error)
}

// Expirer expires orders whose time in force elapsed
type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Status describes one scheduled job
type Status struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Runs    uint64    `json:"runs"`
	Errors  uint64    `json:"errors"`
	LastRun time.Time `json:"last_run,omitempty"`
	NextRun time.Time `json:"next_run,omitempty"`
	LastErr string    `json:"last_error,omitempty"`
}

type job struct {
	name  string
	spec  string
	entry cron.EntryID
	run   func(ctx context.Context) error

	mu      sync.Mutex
	runs    uint64
	errors  uint64
	lastRun time.Time
	lastErr string
}

// Runner owns the cron scheduler
type Runner struct {
	config Config
	cron   *cron.Cron
	logger *zap.Logger

	mu   sync.RWMutex
	jobs []*job
}

// NewRunner creates a runner; jobs are added with the Schedule* methods
func NewRunner(config Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Runner{
		config: config,
		cron:   cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger.Named("jobs"),
	}
}

// ScheduleStatistics logs the overall slippage statistics
func (r *Runner) ScheduleStatistics(stats Statistics) error {
	return r.add("statistics", r.config.StatisticsSchedule, func(context.Context) error {
		st := stats.GetOverallStatistics()
		r.logger.Info("slippage statistics",
			zap.Uint64("executions", st.TotalExecutions),
			zap.Float64("mean_bps", st.MeanBps),
			zap.Float64("max_bps", st.MaxBps),
			zap.Bool("target_met", st.TargetMet),
			zap.Float64("improvement_pct", st.ImprovementPct),
			zap.Uint64("warnings", st.Warnings),
			zap.Uint64("criticals", st.Criticals))
		return nil
	})
}

// ScheduleExport writes the retained records through every exporter
func (r *Runner) ScheduleExport(stats Statistics, exporters ...ports.RecordExporter) error {
	if len(exporters) == 0 {
		return nil
	}
	return r.add("export", r.config.ExportSchedule, func(ctx context.Context) error {
		var firstErr error
		for _, exp := range exporters {
			if _, err := stats.Export(ctx, exp); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

// ScheduleExpiry sweeps orders whose time in force elapsed
func (r *Runner) ScheduleExpiry(expirer Expirer) error {
	return r.add("expiry", r.config.ExpirySchedule, func(ctx context.Context) error {
		n, err := expirer.ExpireStale(ctx)
		if n > 0 {
			r.logger.Info("orders expired", zap.Int("count", n))
		}
		return err
	})
}

func (r *Runner) add(name, spec string, run func(ctx context.Context) error) error {
	if spec == "" {
		r.logger.Debug("job disabled", zap.String("job", name))
		return nil
	}
	j := &job{name: name, spec: spec, run: run}
	id, err := r.cron.AddFunc(spec, func() { r.execute(j) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s job: %w", name, err)
	}
	j.entry = id

	r.mu.Lock()
	r.jobs = append(r.jobs, j)
	r.mu.Unlock()
	return nil
}

func (r *Runner) execute(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	start := time.Now()
	err := j.run(ctx)

	j.mu.Lock()
	j.runs++
	j.lastRun = start
	j.lastErr = ""
	if err != nil {
		j.errors++
		j.lastErr = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		r.logger.Error("job failed", zap.String("job", j.name), zap.Error(err))
		return
	}
	r.logger.Debug("job finished", zap.String("job", j.name), zap.Duration("took", time.Since(start)))
}

// RunNow executes the named job synchronously
func (r *Runner) RunNow(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, j := range r.jobs {
		if j.name == name {
			r.execute(j)
			return nil
		}
	}
	return fmt.Errorf("job %s not scheduled", name)
}

// Jobs reports the state of every scheduled job
func (r *Runner) Jobs() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.jobs))
	for _, j := range r.jobs {
		entry := r.cron.Entry(j.entry)
		j.mu.Lock()
		out = append(out, Status{
			Name:    j.name,
			Spec:    j.spec,
			Runs:    j.runs,
			Errors:  j.errors,
			LastRun: j.lastRun,
			NextRun: entry.Next,
			LastErr: j.lastErr,
		})
		j.mu.Unlock()
	}
	return out
}

// Start begins running scheduled jobs
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("job runner started", zap.Int("jobs", len(r.cron.Entries())))
}

// Stop halts scheduling and waits for running jobs up to ctx
func (r *Runner) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

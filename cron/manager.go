package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-story-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const DefaultJobTimeout = 10 * time.Minute

var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	cron            *cron.Cron
	timezone        *time.Location
	jobs            map[string]*types.JobEntry
	state           atomic.Value
	mu              sync.RWMutex
	activeJobs      map[string]context.CancelFunc
	activeJobsMu    sync.Mutex
	shutdown        chan struct{}
	shutdownOnce    sync.Once
	shutdownTimeout time.Duration
	jobTimeout      time.Duration

	executions *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	active     prometheus.Gauge
}

var _ types.CronManager = (*Manager)(nil)

// NewManager builds a scheduler. Job metrics are registered on registerer
// when it is not nil.
func NewManager(ctx context.Context, config *types.CronConfig, logger types.Logger, registerer prometheus.Registerer) (*Manager, error) {
	timezone := time.UTC
	if config != nil && config.Timezone != "" {
		loc, err := time.LoadLocation(config.Timezone)
		if err != nil {
			logger.Warn("Unknown cron timezone, using UTC", zap.String("timezone", config.Timezone), zap.Error(err))
		} else {
			timezone = loc
		}
	}

	cronL := cronLogger{logger: logger}

	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:    managerCtx,
		cancel: cancel,
		logger: logger,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithParser(specParser),
			cron.WithChain(cron.Recover(cronL), cron.SkipIfStillRunning(cronL)),
		),
		timezone:        timezone,
		jobs:            make(map[string]*types.JobEntry),
		activeJobs:      make(map[string]context.CancelFunc),
		shutdown:        make(chan struct{}),
		shutdownTimeout: 10 * time.Second,
		jobTimeout:      DefaultJobTimeout,
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cron_job_executions_total",
			Help: "Cron job runs by result.",
		}, []string{"job_name", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cron_job_duration_seconds",
			Help:    "Cron job run time.",
			Buckets: []float64{0.01, 0.1, 1, 10, 60, 300},
		}, []string{"job_name"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cron_active_jobs",
			Help: "Cron jobs currently running.",
		}),
	}

	m.state.Store(StateStopped)

	if registerer != nil {
		for _, c := range []prometheus.Collector{m.executions, m.durations, m.active} {
			if err := registerer.Register(c); err != nil {
				cancel()
				return nil, types.WrapError(err, "failed to register cron metrics")
			}
		}
	}

	return m, nil
}

func (m *Manager) SetJobTimeout(timeout time.Duration) {
	if timeout > 0 {
		m.jobTimeout = timeout
	}
}

func (m *Manager) Add(jobName, spec string, job types.CronJob) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}

	if spec == "" {
		return types.ErrCronExpressionInvalid
	}

	if job == nil {
		return types.ErrCronJobIsNil
	}

	if _, err := specParser.Parse(spec); err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.shutdown:
		return types.ErrCronSchedulerStopped
	default:
	}

	if _, exists := m.jobs[jobName]; exists {
		return types.ErrCronJobExists
	}

	entryID, err := m.cron.AddFunc(spec, func() { _ = m.execute(jobName, job) })
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	entry := &types.JobEntry{
		ID:      entryID,
		Name:    jobName,
		Spec:    spec,
		Job:     job,
		AddedAt: time.Now(),
	}

	if cronEntry := m.cron.Entry(entryID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}

	m.jobs[jobName] = entry

	m.logger.Info("Cron job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))

	return nil
}

// Run executes a registered job now, outside its schedule, and returns
// its error.
func (m *Manager) Run(jobName string) error {
	m.mu.RLock()
	entry, exists := m.jobs[jobName]
	m.mu.RUnlock()

	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "job: %s", jobName)
	}

	return m.execute(jobName, entry.Job)
}

func (m *Manager) Jobs() []types.JobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]types.JobEntry, 0, len(m.jobs))
	for _, entry := range m.jobs {
		jobs = append(jobs, *entry)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })

	return jobs
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrCronIsRunning
	}

	m.cron.Start()
	m.state.Store(StateRunning)

	m.logger.Info("Cron manager started", zap.String("timezone", m.timezone.String()))
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	var err error
	m.shutdownOnce.Do(func() {
		defer func() {
			m.state.Store(StateStopped)
			m.cancel()
		}()

		close(m.shutdown)
		err = m.stop()

		if err == nil {
			m.logger.Info("Cron scheduler stopped gracefully")
		}
	})

	return err
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *Manager) execute(jobName string, job types.CronJob) (err error) {
	select {
	case <-m.shutdown:
		m.logger.Info("Job skipped due to shutdown", zap.String("job_name", jobName))
		return types.ErrCronSchedulerStopped
	default:
	}

	startTime := time.Now()
	m.updateJobStatsStart(jobName, startTime)

	jobCtx, cancel := context.WithTimeout(m.ctx, m.jobTimeout)
	defer cancel()

	m.registerActiveJob(jobName, cancel)
	defer m.releaseActiveJob(jobName)

	m.active.Inc()
	defer m.active.Dec()

	m.logger.Debug("Cron job started", zap.String("job_name", jobName))

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = types.Errorf(types.ErrCronJobFailed, "job panic: %v", r)
			}
		}()
		err = job(jobCtx)
	}()

	if err == nil && types.IsError(jobCtx.Err(), context.DeadlineExceeded) {
		err = types.Errorf(types.ErrCronJobTimeout, "timeout after %v", m.jobTimeout)
	}

	duration := time.Since(startTime)

	result := "success"
	if err != nil {
		result = "error"
	}

	m.executions.WithLabelValues(jobName, result).Inc()
	m.durations.WithLabelValues(jobName).Observe(duration.Seconds())
	m.updateJobStatsFinish(jobName, duration, err)

	if err != nil {
		m.logger.Error("Cron job failed",
			zap.String("job_name", jobName),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		m.logger.Debug("Cron job completed",
			zap.String("job_name", jobName),
			zap.Duration("duration", duration))
	}

	return err
}

func (m *Manager) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.activeJobsMu.Lock()
		defer m.activeJobsMu.Unlock()

		for jobName, cancel := range m.activeJobs {
			cancel()
			m.logger.Debug("Cancelled job during shutdown", zap.String("job_name", jobName))
		}
		return nil
	})

	g.Go(func() error {
		stopCtx := m.cron.Stop()

		select {
		case <-stopCtx.Done():
			return nil
		case <-gCtx.Done():
			return types.ErrCronJobTimeout
		}
	})

	if err := g.Wait(); err != nil {
		m.logger.Warn("Cron manager stop timeout, some jobs may still be running", zap.Error(err))
		return err
	}

	return nil
}

func (m *Manager) registerActiveJob(jobName string, cancel context.CancelFunc) {
	m.activeJobsMu.Lock()
	defer m.activeJobsMu.Unlock()
	m.activeJobs[jobName] = cancel
}

func (m *Manager) releaseActiveJob(jobName string) {
	m.activeJobsMu.Lock()
	defer m.activeJobsMu.Unlock()
	delete(m.activeJobs, jobName)
}

func (m *Manager) updateJobStatsStart(jobName string, startTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return
	}

	entry.LastRun = startTime
	if cronEntry := m.cron.Entry(entry.ID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}
}

func (m *Manager) updateJobStatsFinish(jobName string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return
	}

	entry.LastDuration = duration
	entry.TotalDuration += duration
	entry.RunCount++
	entry.AvgDuration = entry.TotalDuration / time.Duration(entry.RunCount)
	entry.LastError = ""
	if err != nil {
		entry.LastError = err.Error()
	}

	if cronEntry := m.cron.Entry(entry.ID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}
}

// cronLogger adapts types.Logger to cron.Logger.
type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, toFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(toFields(keysAndValues), zap.Error(err))
	l.logger.Error("cron: "+msg, fields...)
}

func toFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprintf("%v", keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}

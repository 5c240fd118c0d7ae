package types

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// CronJob receives a context that is cancelled on timeout or shutdown.
type CronJob func(ctx context.Context) error

type CronManager interface {
	LifecycleManager
	Add(jobName, spec string, job CronJob) error
	Run(jobName string) error
	Jobs() []JobEntry
}

type JobEntry struct {
	ID            cron.EntryID  `json:"id"`
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Job           CronJob       `json:"-"`
	AddedAt       time.Time     `json:"added_at"`
	LastRun       time.Time     `json:"last_run"`
	NextRun       time.Time     `json:"next_run"`
	LastDuration  time.Duration `json:"last_duration"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	RunCount      int64         `json:"run_count"`
	LastError     string        `json:"last_error,omitempty"`
}

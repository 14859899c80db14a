package cron

import (
	"context"
	"time"
)

// Schedule starts a new session of TaskID every time CronExpr fires.
type Schedule struct {
	Name      string `json:"name" yaml:"name"`
	CronExpr  string `json:"cron" yaml:"cron"`
	TaskID    string `json:"taskId" yaml:"task_id"`
	TaskQuery string `json:"taskQuery,omitempty" yaml:"task_query,omitempty"`
	UserID    string `json:"userId,omitempty" yaml:"user_id,omitempty"`
}

// Entry is a registered schedule with its run bookkeeping.
type Entry struct {
	Schedule
	Enabled       bool      `json:"enabled"`
	LastRun       time.Time `json:"lastRun,omitempty"`
	NextRun       time.Time `json:"nextRun,omitempty"`
	LastErr       string    `json:"lastError,omitempty"`
	LastSessionID string    `json:"lastSessionId,omitempty"`
	RunCount      int       `json:"runCount"`
}

type Run struct {
	At         time.Time `json:"at"`
	DurationMS int64     `json:"durationMs"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	SessionID  string    `json:"sessionId,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// StartFunc starts one session for s and returns its id.
type StartFunc func(ctx context.Context, s Schedule) (string, error)

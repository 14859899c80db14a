// Package cron starts sessions on recurring cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"

	"github.com/PipeOpsHQ/procedure-engine/internal/logging"
)

const defaultStartTimeout = time.Minute

type Scheduler struct {
	mu           sync.RWMutex
	cron         *robcron.Cron
	entries      map[string]*managedEntry
	start        StartFunc
	logger       *slog.Logger
	startTimeout time.Duration
	started      bool
	maxRuns      int
}

type managedEntry struct {
	Entry
	entryID robcron.EntryID
	runs    []Run
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStartTimeout bounds each scheduled StartFunc call.
func WithStartTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.startTimeout = timeout
		}
	}
}

// New creates a Scheduler that calls start for each firing.
func New(start StartFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:         robcron.New(),
		entries:      make(map[string]*managedEntry),
		start:        start,
		logger:       logging.Discard(),
		startTimeout: defaultStartTimeout,
		maxRuns:      100,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Add registers sched. Names must be unique and the cron expression valid.
func (s *Scheduler) Add(sched Schedule) error {
	sched.Name = strings.TrimSpace(sched.Name)
	if sched.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if strings.TrimSpace(sched.TaskID) == "" {
		return fmt.Errorf("schedule %q: task id is required", sched.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[sched.Name]; exists {
		return fmt.Errorf("schedule %q already exists", sched.Name)
	}
	name := sched.Name
	entryID, err := s.cron.AddFunc(sched.CronExpr, func() {
		_, _ = s.runAndRecord(context.Background(), name, "schedule", true)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.CronExpr, err)
	}
	me := &managedEntry{Entry: Entry{Schedule: sched, Enabled: true}, entryID: entryID}
	if next := s.cron.Entry(entryID).Next; !next.IsZero() {
		me.NextRun = next
	}
	s.entries[name] = me
	return nil
}

func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	me, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	s.cron.Remove(me.entryID)
	delete(s.entries, name)
	return nil
}

// List returns every schedule sorted by name.
func (s *Scheduler) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, me := range s.entries {
		out = append(out, s.snapshot(me))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) Get(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	me, ok := s.entries[name]
	if !ok {
		return Entry{}, false
	}
	return s.snapshot(me), true
}

func (s *Scheduler) snapshot(me *managedEntry) Entry {
	e := me.Entry
	if next := s.cron.Entry(me.entryID).Next; !next.IsZero() {
		e.NextRun = next
	}
	return e
}

// SetEnabled pauses or resumes a schedule without removing it.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	me, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	me.Enabled = enabled
	return nil
}

// Trigger starts a session for name now, even if the schedule is disabled.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	return s.runAndRecord(ctx, name, "manual", false)
}

// History returns up to limit recent runs of name, newest first.
func (s *Scheduler) History(name string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	me, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("schedule %q not found", name)
	}
	if limit <= 0 || limit > len(me.runs) {
		limit = len(me.runs)
	}
	out := make([]Run, 0, limit)
	for i := len(me.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, me.runs[i])
	}
	return out, nil
}

func (s *Scheduler) runAndRecord(ctx context.Context, name, trigger string, skipIfDisabled bool) (string, error) {
	s.mu.RLock()
	me, ok := s.entries[name]
	if !ok {
		s.mu.RUnlock()
		return "", fmt.Errorf("schedule %q not found", name)
	}
	if skipIfDisabled && !me.Enabled {
		s.mu.RUnlock()
		return "", nil
	}
	sched := me.Schedule
	s.mu.RUnlock()

	startCtx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()
	started := time.Now()
	sessionID, err := s.start(startCtx, sched)
	finished := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[name]
	if !ok {
		return sessionID, err
	}
	current.LastRun = finished
	current.RunCount++
	run := Run{At: finished, DurationMS: finished.Sub(started).Milliseconds(), Trigger: trigger, SessionID: sessionID}
	logger := s.logger.With("schedule", name, "task_id", sched.TaskID, "trigger", trigger)
	if err != nil {
		current.LastErr = err.Error()
		run.Status = "failed"
		run.Error = err.Error()
		logger.Warn("scheduled session failed to start", "error", err)
	} else {
		current.LastErr = ""
		current.LastSessionID = sessionID
		run.Status = "started"
		logger.Info("scheduled session started", "session_id", sessionID)
	}
	current.runs = append(current.runs, run)
	if s.maxRuns > 0 && len(current.runs) > s.maxRuns {
		current.runs = current.runs[len(current.runs)-s.maxRuns:]
	}
	return sessionID, err
}

// Start begins firing schedules. It does not block.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop halts the scheduler and waits for running starts to return or for
// ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	done := s.cron.Stop()
	s.mu.Unlock()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

package procedure

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/state"
)

type jobFunc func(ctx context.Context, jobID string) (state.JobRecord, error)

func (f jobFunc) Poll(ctx context.Context, jobID string) (state.JobRecord, error) { return f(ctx, jobID) }

func TestPoller_SettlesAfterPending(t *testing.T) {
	var calls atomic.Int32
	jobs := jobFunc(func(context.Context, string) (state.JobRecord, error) {
		switch calls.Add(1) {
		case 1:
			return state.JobRecord{}, state.ErrNotFound
		case 2:
			return state.JobRecord{Status: state.JobPending}, nil
		default:
			return state.JobRecord{Status: state.JobCompleted, Result: "done"}, nil
		}
	})
	outcome, err := Poller{Jobs: jobs, Timeout: time.Second, Interval: time.Millisecond}.Wait(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if outcome.Status != PollCompleted || outcome.Result != "done" || calls.Load() != 3 {
		t.Fatalf("unexpected outcome %+v after %d polls", outcome, calls.Load())
	}
}

func TestPoller_Failed(t *testing.T) {
	jobs := jobFunc(func(context.Context, string) (state.JobRecord, error) {
		return state.JobRecord{Status: state.JobFailed}, nil
	})
	outcome, err := Poller{Jobs: jobs, Timeout: time.Second, Interval: time.Millisecond}.Wait(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if outcome.Status != PollFailed || outcome.Error == "" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestPoller_Timeout(t *testing.T) {
	jobs := jobFunc(func(context.Context, string) (state.JobRecord, error) {
		return state.JobRecord{Status: state.JobPending}, nil
	})
	outcome, err := Poller{Jobs: jobs, Timeout: 30 * time.Millisecond, Interval: 5 * time.Millisecond}.Wait(context.Background(), "job-9")
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if outcome.Status != PollTimeout || !strings.HasPrefix(outcome.Error, "timeout: job job-9") {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestPoller_LookupErrorAndCancellation(t *testing.T) {
	boom := errors.New("backend down")
	failing := jobFunc(func(context.Context, string) (state.JobRecord, error) { return state.JobRecord{}, boom })
	if _, err := (Poller{Jobs: failing}).Wait(context.Background(), "job-1"); !errors.Is(err, boom) {
		t.Fatalf("expected lookup error, got %v", err)
	}

	pending := jobFunc(func(context.Context, string) (state.JobRecord, error) {
		return state.JobRecord{Status: state.JobPending}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Poller{Jobs: pending, Timeout: time.Second, Interval: time.Millisecond}).Wait(ctx, "job-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if _, err := (Poller{Jobs: pending}).Wait(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty job id")
	}
}

func TestPollNode_TimeoutFailsSession(t *testing.T) {
	h := newHarness(t, WithPollTimeout(20*time.Millisecond, 5*time.Millisecond))
	h.model.scripts["A"] = jobScript{Hang: true}
	h.saveTask(t, diamondTask())
	session := h.start(t, "diamond", "q")
	h.drain(t)

	a := h.nodeOf(t, session.SessionID, "A")
	if a.State != state.NodeFailed || !strings.HasPrefix(a.Notes, "timeout:") {
		t.Fatalf("expected A failed by timeout, got %+v", a)
	}
	got := h.session(t, session.SessionID)
	if got.Status != state.SessionFailed || !hasLog(got, "agent A failed: timeout:") {
		t.Fatalf("expected failed session naming A, got %+v", got)
	}
}

func TestPollNode_IgnoresNodeNotExecuting(t *testing.T) {
	h := newHarness(t)
	h.saveTask(t, diamondTask())
	session := h.start(t, "diamond", "q")
	a := h.nodeOf(t, session.SessionID, "A")
	h.dispatcher.pop()

	err := h.engine.PollNode(context.Background(), map[string]string{
		ParamSessionID:      session.SessionID,
		ParamSessionAgentID: a.SessionAgentID,
		ParamJobID:          "job-stale",
	})
	if err != nil {
		t.Fatalf("PollNode failed: %v", err)
	}
	if len(h.dispatcher.pending()) != 0 {
		t.Fatalf("stale poll scheduled work")
	}
	if err := h.engine.PollNode(context.Background(), map[string]string{ParamSessionID: session.SessionID}); err == nil {
		t.Fatalf("expected error for missing params")
	}
}

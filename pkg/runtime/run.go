package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cexll/eliza-go/pkg/event"
	"github.com/cexll/eliza-go/pkg/memory"
)

// RunStatus is the outcome of a message-handling run.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunTimeout   RunStatus = "timeout"
)

// RunEventKind classifies entries in a run log.
type RunEventKind string

const (
	RunEventModel     RunEventKind = "model"
	RunEventProvider  RunEventKind = "provider"
	RunEventAction    RunEventKind = "action"
	RunEventEvaluator RunEventKind = "evaluator"
	RunEventState     RunEventKind = "state"
)

// RunEvent is one entry of a run log.
type RunEvent struct {
	Kind     RunEventKind  `json:"kind"`
	Name     string        `json:"name"`
	Detail   string        `json:"detail,omitempty"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	At       time.Time     `json:"at"`
}

// Run records one message-handling invocation. It is safe for concurrent use.
type Run struct {
	ID        uuid.UUID
	MessageID uuid.UUID
	RoomID    uuid.UUID
	StartedAt time.Time

	mu             sync.Mutex
	status         RunStatus
	endedAt        time.Time
	events         []RunEvent
	actionFailures int
	err            string
}

// RunSnapshot is an immutable copy of a Run.
type RunSnapshot struct {
	ID             uuid.UUID  `json:"id"`
	MessageID      uuid.UUID  `json:"message_id"`
	RoomID         uuid.UUID  `json:"room_id"`
	Status         RunStatus  `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        time.Time  `json:"ended_at,omitempty"`
	Events         []RunEvent `json:"events"`
	ActionFailures int        `json:"action_failures"`
	Error          string     `json:"error,omitempty"`
}

// Record appends evt; failed actions increment the failure count.
func (r *Run) Record(evt RunEvent) {
	if r == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	if evt.Kind == RunEventAction && !evt.Success {
		r.actionFailures++
	}
}

// Status returns the current status.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// ActionFailures returns the number of failed actions.
func (r *Run) ActionFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actionFailures
}

// Snapshot copies the run.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunSnapshot{
		ID:             r.ID,
		MessageID:      r.MessageID,
		RoomID:         r.RoomID,
		Status:         r.status,
		StartedAt:      r.StartedAt,
		EndedAt:        r.endedAt,
		Events:         append([]RunEvent(nil), r.events...),
		ActionFailures: r.actionFailures,
		Error:          r.err,
	}
}

type runKey struct{}

// WithRun attaches run to ctx so model calls get recorded on it.
func WithRun(ctx context.Context, run *Run) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// RunFromContext returns the run attached by WithRun.
func RunFromContext(ctx context.Context) *Run {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(runKey{}).(*Run)
	return run
}

// StartRun opens a run for msg, retains it and emits run:started.
func (rt *AgentRuntime) StartRun(ctx context.Context, msg *memory.Memory) *Run {
	run := &Run{
		ID:        uuid.New(),
		StartedAt: time.Now().UTC(),
		status:    RunStarted,
	}
	if msg != nil {
		run.MessageID = msg.ID
		run.RoomID = msg.RoomID
	}
	rt.runs.push(run)
	rt.Emit(ctx, event.EventRunStarted, event.RunData{
		RunID:     run.ID,
		MessageID: run.MessageID,
		RoomID:    run.RoomID,
		Status:    string(RunStarted),
	})
	return run
}

// EndRun closes run with status and emits run:ended. Ending twice is a no-op.
func (rt *AgentRuntime) EndRun(ctx context.Context, run *Run, status RunStatus, runErr error) {
	if run == nil {
		return
	}
	run.mu.Lock()
	if run.status != RunStarted {
		run.mu.Unlock()
		return
	}
	run.status = status
	run.endedAt = time.Now().UTC()
	run.err = errString(runErr)
	data := event.RunData{
		RunID:          run.ID,
		MessageID:      run.MessageID,
		RoomID:         run.RoomID,
		Status:         string(status),
		Error:          run.err,
		ActionFailures: run.actionFailures,
		Duration:       run.endedAt.Sub(run.StartedAt),
	}
	run.mu.Unlock()
	rt.Emit(context.WithoutCancel(ctx), event.EventRunEnded, data)
}

// Runs returns snapshots of retained runs, oldest first.
func (rt *AgentRuntime) Runs() []RunSnapshot {
	return rt.runs.snapshot()
}

type runRing struct {
	mu   sync.Mutex
	buf  []*Run
	next int
	full bool
}

func newRunRing(size int) *runRing {
	return &runRing{buf: make([]*Run, size)}
}

func (r *runRing) push(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = run
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *runRing) snapshot() []RunSnapshot {
	r.mu.Lock()
	var runs []*Run
	if r.full {
		runs = append(runs, r.buf[r.next:]...)
	}
	runs = append(runs, r.buf[:r.next]...)
	r.mu.Unlock()

	out := make([]RunSnapshot, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Snapshot())
	}
	return out
}

// Package message turns an inbound memory into an agent response: compose
// provider state, select and run actions, persist the reply and fire the
// response callback.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cexll/eliza-go/pkg/event"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/runtime"
	"github.com/cexll/eliza-go/pkg/telemetry"
)

// Stage is a state of the message-handling state machine.
type Stage string

const (
	StageReceived          Stage = "received"
	StageProvidersComposed Stage = "providers-composed"
	StageActionsSelected   Stage = "actions-selected"
	StageActionsExecuted   Stage = "actions-executed"
	StageModelInvoked      Stage = "model-invoked"
	StageResponsePersisted Stage = "response-persisted"
	StageCallbackFired     Stage = "callback-fired"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

// Mode describes how the response was produced.
type Mode string

const (
	// ModeSimple uses the planned text directly.
	ModeSimple Mode = "simple"
	// ModeActions runs the planned actions.
	ModeActions Mode = "actions"
	// ModeNone means the agent chose not to respond.
	ModeNone Mode = "none"
)

var (
	// ErrInvalidMessage reports an inbound memory missing required fields.
	ErrInvalidMessage = errors.New("message: entity id, room id and content are required")
	// ErrUnparseableResponse reports a planning answer without a response block.
	ErrUnparseableResponse = errors.New("message: model response could not be parsed")
)

// Result reports the outcome of HandleMessage.
type Result struct {
	DidRespond     bool
	Mode           Mode
	Stage          Stage
	RunID          uuid.UUID
	State          *plugin.State
	Content        *memory.Content
	ResponseMemory *memory.Memory
	ActionResults  []plugin.ActionResult
	ActionFailures int
}

// Options configures a Service.
type Options struct {
	Logger *zerolog.Logger
	// SerializeRooms runs messages for the same room one at a time.
	SerializeRooms bool
	// ParseAttempts bounds planning calls when the answer cannot be parsed.
	ParseAttempts int
}

// DefaultOptions serializes rooms and allows three planning attempts.
func DefaultOptions() Options {
	return Options{SerializeRooms: true, ParseAttempts: 3}
}

func (o Options) withDefaults() Options {
	if o.ParseAttempts <= 0 {
		o.ParseAttempts = 3
	}
	return o
}

// Service runs the message pipeline for any runtime.
type Service struct {
	opts   Options
	logger zerolog.Logger
	rooms  *roomLocks
}

// NewService builds a Service.
func NewService(opts Options) *Service {
	opts = opts.withDefaults()
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Service{opts: opts, logger: logger, rooms: newRoomLocks()}
}

// HandleMessage processes msg on rt and invokes cb at most once with the
// response content. A failed model call aborts the run and returns the
// error without invoking cb.
func (s *Service) HandleMessage(ctx context.Context, rt *runtime.AgentRuntime, msg *memory.Memory, cb plugin.Callback) (*Result, error) {
	if rt == nil {
		return nil, errors.New("message: runtime is required")
	}
	if err := validate(msg); err != nil {
		return nil, err
	}
	if msg.EntityID == rt.AgentID() {
		return &Result{Mode: ModeNone, Stage: StageCompleted}, nil
	}
	if s.opts.SerializeRooms {
		release, err := s.rooms.acquire(ctx, msg.RoomID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	ctx, span := rt.StartSpan(ctx, "message.handle")
	msg = msg.Clone()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.AgentID = rt.AgentID()
	span.SetAttributes(
		attribute.String("agent.id", rt.AgentID().String()),
		attribute.String("message.id", msg.ID.String()),
		attribute.String("room.id", msg.RoomID.String()),
	)

	run := rt.StartRun(ctx, msg)
	ctx = runtime.WithRun(ctx, run)
	p := &pipeline{
		svc:    s,
		rt:     rt,
		msg:    msg,
		cb:     cb,
		run:    run,
		logger: s.logger.With().Str("agent_id", rt.AgentID().String()).Str("run_id", run.ID.String()).Logger(),
		result: &Result{RunID: run.ID, Stage: StageReceived},
	}
	res, err := p.execute(ctx)
	if err != nil {
		p.result.Stage = StageFailed
		status := runtime.RunError
		if errors.Is(err, context.DeadlineExceeded) {
			status = runtime.RunTimeout
		}
		rt.EndRun(ctx, run, status, err)
		telemetry.EndSpan(span, err)
		p.logger.Warn().Err(err).Str("stage", string(p.lastStage)).Msg("message handling failed")
		return nil, err
	}
	res.Stage = StageCompleted
	res.ActionFailures = run.ActionFailures()
	rt.EndRun(ctx, run, runtime.RunCompleted, nil)
	span.SetAttributes(attribute.Bool("message.did_respond", res.DidRespond), attribute.String("message.mode", string(res.Mode)))
	telemetry.EndSpan(span, nil)
	return res, nil
}

func validate(msg *memory.Memory) error {
	if msg == nil || msg.EntityID == uuid.Nil || msg.RoomID == uuid.Nil {
		return ErrInvalidMessage
	}
	if strings.TrimSpace(msg.Content.Text) == "" && len(msg.Content.Attachments) == 0 && len(msg.Content.Actions) == 0 {
		return ErrInvalidMessage
	}
	return nil
}

// DeleteMessage removes mem. Unknown memories are not an error.
func (s *Service) DeleteMessage(ctx context.Context, rt *runtime.AgentRuntime, mem *memory.Memory) error {
	if rt == nil {
		return errors.New("message: runtime is required")
	}
	if mem == nil || mem.ID == uuid.Nil {
		return nil
	}
	if err := rt.Store().DeleteMemory(ctx, mem.ID); err != nil {
		return fmt.Errorf("message: delete %s: %w", mem.ID, err)
	}
	rt.ClearStateCache(mem.ID)
	return nil
}

// ClearChannel deletes every message of roomID.
func (s *Service) ClearChannel(ctx context.Context, rt *runtime.AgentRuntime, roomID uuid.UUID) error {
	if rt == nil {
		return errors.New("message: runtime is required")
	}
	if roomID == uuid.Nil {
		return errors.New("message: room id is required")
	}
	if err := rt.Store().DeleteAllMemories(ctx, roomID, memory.TableMessages); err != nil {
		return fmt.Errorf("message: clear room %s: %w", roomID, err)
	}
	return nil
}

func emitMessage(ctx context.Context, rt *runtime.AgentRuntime, typ event.EventType, mem *memory.Memory) {
	rt.Emit(ctx, typ, event.MessageData{Memory: mem.Clone(), Source: mem.Content.Source})
}

package event

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cexll/eliza-go/pkg/memory"
)

// EventType names a published event. Every type has exactly one payload type.
type EventType string

const (
	// Embedding pipeline
	EventEmbeddingRequested EventType = "embedding-generation-requested"
	EventEmbeddingCompleted EventType = "embedding-generation-completed"
	EventEmbeddingFailed    EventType = "embedding-generation-failed"

	// Agent lifecycle
	EventAgentsAdded   EventType = "agents:added"
	EventAgentsStarted EventType = "agents:started"
	EventAgentsStopped EventType = "agents:stopped"
	EventAgentsDeleted EventType = "agents:deleted"

	// Message pipeline
	EventRunStarted      EventType = "run:started"
	EventRunEnded        EventType = "run:ended"
	EventMessageReceived EventType = "message:received"
	EventMessageSent     EventType = "message:sent"
	EventActionStarted   EventType = "action:started"
	EventActionCompleted EventType = "action:completed"
)

// Category groups event types by the component that publishes them.
type Category string

const (
	CategoryEmbedding Category = "embedding"
	CategoryLifecycle Category = "lifecycle"
	CategoryMessage   Category = "message"
)

var typeToCategory = map[EventType]Category{
	EventEmbeddingRequested: CategoryEmbedding,
	EventEmbeddingCompleted: CategoryEmbedding,
	EventEmbeddingFailed:    CategoryEmbedding,
	EventAgentsAdded:        CategoryLifecycle,
	EventAgentsStarted:      CategoryLifecycle,
	EventAgentsStopped:      CategoryLifecycle,
	EventAgentsDeleted:      CategoryLifecycle,
	EventRunStarted:         CategoryMessage,
	EventRunEnded:           CategoryMessage,
	EventMessageReceived:    CategoryMessage,
	EventMessageSent:        CategoryMessage,
	EventActionStarted:      CategoryMessage,
	EventActionCompleted:    CategoryMessage,
}

// Event is one published record.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   uuid.UUID `json:"agent_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// NewEvent fills ID and Timestamp.
func NewEvent(typ EventType, agentID uuid.UUID, data any) Event {
	return normalizeEvent(Event{Type: typ, AgentID: agentID, Data: data})
}

// Validate checks the type is known and the payload matches it.
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.New("event: type is empty")
	}
	if _, ok := typeToCategory[e.Type]; !ok {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	if !payloadMatches(e.Type, e.Data) {
		return fmt.Errorf("%w: %s carries %T", ErrPayloadMismatch, e.Type, e.Data)
	}
	return nil
}

// Category returns the publishing component of the event type.
func (t EventType) Category() (Category, bool) {
	c, ok := typeToCategory[t]
	return c, ok
}

// ErrPayloadMismatch is returned when an event carries the wrong payload type.
var ErrPayloadMismatch = errors.New("event: payload does not match type")

func payloadMatches(t EventType, data any) bool {
	switch t {
	case EventEmbeddingRequested:
		d, ok := data.(EmbeddingRequestedData)
		return ok && d.Memory != nil
	case EventEmbeddingCompleted:
		d, ok := data.(EmbeddingCompletedData)
		return ok && d.Memory != nil
	case EventEmbeddingFailed:
		d, ok := data.(EmbeddingFailedData)
		return ok && d.Memory != nil
	case EventAgentsAdded, EventAgentsStarted, EventAgentsStopped, EventAgentsDeleted:
		_, ok := data.(AgentsData)
		return ok
	case EventRunStarted, EventRunEnded:
		_, ok := data.(RunData)
		return ok
	case EventMessageReceived, EventMessageSent:
		d, ok := data.(MessageData)
		return ok && d.Memory != nil
	case EventActionStarted, EventActionCompleted:
		_, ok := data.(ActionData)
		return ok
	default:
		return false
	}
}

func normalizeEvent(evt Event) Event {
	if evt.ID == "" {
		evt.ID = newEventID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return evt
}

func newEventID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

// Priority orders embedding work.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the three tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// EmbeddingRequestedData asks for an embedding to be computed for Memory.
// MaxRetries <= 0 means the service default.
type EmbeddingRequestedData struct {
	Memory     *memory.Memory `json:"memory"`
	Priority   Priority       `json:"priority"`
	Source     string         `json:"source,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

// EmbeddingCompletedData carries the memory with its embedding attached.
type EmbeddingCompletedData struct {
	Memory   *memory.Memory `json:"memory"`
	Source   string         `json:"source,omitempty"`
	Attempts int            `json:"attempts"`
	Duration time.Duration  `json:"duration"`
}

// EmbeddingFailedData carries the original memory once retries are exhausted.
type EmbeddingFailedData struct {
	Memory   *memory.Memory `json:"memory"`
	Source   string         `json:"source,omitempty"`
	Error    string         `json:"error"`
	Attempts int            `json:"attempts"`
}

// AgentsData describes a bulk lifecycle transition.
type AgentsData struct {
	AgentIDs []uuid.UUID `json:"agent_ids"`
	Count    int         `json:"count"`
}

// RunData summarizes one message-handling run.
type RunData struct {
	RunID          uuid.UUID     `json:"run_id"`
	MessageID      uuid.UUID     `json:"message_id"`
	RoomID         uuid.UUID     `json:"room_id"`
	Status         string        `json:"status"`
	Error          string        `json:"error,omitempty"`
	ActionFailures int           `json:"action_failures,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
}

// MessageData wraps an inbound or outbound memory.
type MessageData struct {
	Memory *memory.Memory `json:"memory"`
	Source string         `json:"source,omitempty"`
}

// ActionData describes one action attempt inside a run.
type ActionData struct {
	RunID   uuid.UUID `json:"run_id"`
	Action  string    `json:"action"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

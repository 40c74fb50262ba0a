package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter selects memories for GetMemories. Zero-valued fields do not filter.
type Filter struct {
	TableName string
	RoomID    uuid.UUID
	EntityID  uuid.UUID
	AgentID   uuid.UUID
	WorldID   uuid.UUID
	Count     int
	Unique    bool
	Start     time.Time
	End       time.Time
}

// Update carries the fields UpdateMemory may change. Nil fields are kept.
type Update struct {
	ID        uuid.UUID
	Content   *Content
	Embedding []float32
	Metadata  *Metadata
}

// SearchParams drives vector search.
type SearchParams struct {
	TableName      string
	Embedding      []float32
	RoomID         uuid.UUID
	EntityID       uuid.UUID
	AgentID        uuid.UUID
	MatchThreshold float64
	Count          int
}

// MemoryStore is the memory half of the persistence adapter. GetMemoryByID
// returns (nil, nil) for a missing id. DeleteMemory is idempotent.
type MemoryStore interface {
	CreateMemory(ctx context.Context, mem *Memory, tableName string) (uuid.UUID, error)
	GetMemories(ctx context.Context, filter Filter) ([]*Memory, error)
	GetMemoryByID(ctx context.Context, id uuid.UUID) (*Memory, error)
	UpdateMemory(ctx context.Context, update Update) (bool, error)
	DeleteMemory(ctx context.Context, id uuid.UUID) error
	DeleteAllMemories(ctx context.Context, roomID uuid.UUID, tableName string) error
	SearchMemories(ctx context.Context, params SearchParams) ([]*Memory, error)
}

// EntityStore persists participants.
type EntityStore interface {
	CreateEntities(ctx context.Context, entities []*Entity) (bool, error)
	GetEntityByID(ctx context.Context, id uuid.UUID) (*Entity, error)
}

// RoomStore persists rooms, worlds and room membership.
type RoomStore interface {
	CreateWorld(ctx context.Context, world *World) (uuid.UUID, error)
	GetWorld(ctx context.Context, id uuid.UUID) (*World, error)
	CreateRoom(ctx context.Context, room *Room) (uuid.UUID, error)
	GetRoom(ctx context.Context, id uuid.UUID) (*Room, error)
	AddParticipant(ctx context.Context, entityID, roomID uuid.UUID) (bool, error)
	GetParticipantsForRoom(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error)
}

// Store is the full persistence adapter consumed by the runtime.
type Store interface {
	MemoryStore
	EntityStore
	RoomStore
	Init(ctx context.Context) error
	Close() error
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMemory reports a memory missing its room or entity.
var ErrInvalidMemory = errors.New("memory: room and entity ids are required")

type record struct {
	mem   *Memory
	table string
}

// InMemoryStore is a RAM-backed Store for tests and single-process use.
type InMemoryStore struct {
	mu           sync.RWMutex
	memories     map[uuid.UUID]*record
	entities     map[uuid.UUID]*Entity
	rooms        map[uuid.UUID]*Room
	worlds       map[uuid.UUID]*World
	participants map[uuid.UUID]map[uuid.UUID]struct{}

	now func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		memories:     make(map[uuid.UUID]*record),
		entities:     make(map[uuid.UUID]*Entity),
		rooms:        make(map[uuid.UUID]*Room),
		worlds:       make(map[uuid.UUID]*World),
		participants: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Init is a no-op.
func (s *InMemoryStore) Init(context.Context) error { return nil }

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// CreateMemory stores a copy of mem, assigning an id and timestamps when
// missing. Creating an id that already exists overwrites it.
func (s *InMemoryStore) CreateMemory(ctx context.Context, mem *Memory, tableName string) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	if mem == nil {
		return uuid.Nil, errors.New("memory: nil memory")
	}
	if mem.RoomID == uuid.Nil || mem.EntityID == uuid.Nil {
		return uuid.Nil, ErrInvalidMemory
	}
	if tableName == "" {
		tableName = TableMessages
	}
	dup := mem.Clone()
	if dup.ID == uuid.Nil {
		dup.ID = uuid.New()
	}
	now := s.now()
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = now
	}
	dup.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[dup.ID] = &record{mem: dup, table: tableName}
	return dup.ID, nil
}

// GetMemories returns matching memories newest first.
func (s *InMemoryStore) GetMemories(ctx context.Context, filter Filter) ([]*Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*Memory, 0)
	for _, rec := range s.memories {
		if !matches(rec, filter) {
			continue
		}
		out = append(out, rec.mem.Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Count > 0 && len(out) > filter.Count {
		out = out[:filter.Count]
	}
	return out, nil
}

func matches(rec *record, f Filter) bool {
	m := rec.mem
	switch {
	case f.TableName != "" && rec.table != f.TableName:
		return false
	case f.RoomID != uuid.Nil && m.RoomID != f.RoomID:
		return false
	case f.EntityID != uuid.Nil && m.EntityID != f.EntityID:
		return false
	case f.AgentID != uuid.Nil && m.AgentID != f.AgentID:
		return false
	case f.WorldID != uuid.Nil && m.WorldID != f.WorldID:
		return false
	case f.Unique && !m.Unique:
		return false
	case !f.Start.IsZero() && m.CreatedAt.Before(f.Start):
		return false
	case !f.End.IsZero() && m.CreatedAt.After(f.End):
		return false
	}
	return true
}

// GetMemoryByID returns (nil, nil) when id is unknown.
func (s *InMemoryStore) GetMemoryByID(ctx context.Context, id uuid.UUID) (*Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.memories[id]
	if !ok {
		return nil, nil
	}
	return rec.mem.Clone(), nil
}

// UpdateMemory applies the non-nil fields of update. It reports false when
// the memory does not exist.
func (s *InMemoryStore) UpdateMemory(ctx context.Context, update Update) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.memories[update.ID]
	if !ok {
		return false, nil
	}
	if update.Content != nil {
		rec.mem.Content = update.Content.Clone()
	}
	if update.Embedding != nil {
		rec.mem.Embedding = append([]float32(nil), update.Embedding...)
	}
	if update.Metadata != nil {
		meta := *update.Metadata
		rec.mem.Metadata = &meta
	}
	rec.mem.UpdatedAt = s.now()
	return true, nil
}

// DeleteMemory removes id; unknown ids are not an error.
func (s *InMemoryStore) DeleteMemory(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.memories, id)
	s.mu.Unlock()
	return nil
}

// DeleteAllMemories removes every memory of a room in tableName.
func (s *InMemoryStore) DeleteAllMemories(ctx context.Context, roomID uuid.UUID, tableName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.memories {
		if rec.mem.RoomID == roomID && (tableName == "" || rec.table == tableName) {
			delete(s.memories, id)
		}
	}
	return nil
}

// SearchMemories ranks embedded memories by cosine similarity.
func (s *InMemoryStore) SearchMemories(ctx context.Context, params SearchParams) ([]*Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(params.Embedding) == 0 {
		return nil, errors.New("memory: search embedding is required")
	}
	filter := Filter{
		TableName: params.TableName,
		RoomID:    params.RoomID,
		EntityID:  params.EntityID,
		AgentID:   params.AgentID,
	}
	s.mu.RLock()
	candidates := make([]*Memory, 0)
	for _, rec := range s.memories {
		if !rec.mem.HasEmbedding() || !matches(rec, filter) {
			continue
		}
		score := cosineSimilarity(params.Embedding, rec.mem.Embedding)
		if score < params.MatchThreshold {
			continue
		}
		dup := rec.mem.Clone()
		dup.Similarity = score
		candidates = append(candidates, dup)
	}
	s.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Similarity > candidates[j].Similarity })
	if params.Count > 0 && len(candidates) > params.Count {
		candidates = candidates[:params.Count]
	}
	return candidates, nil
}

// CreateEntities stores entities, skipping ids that already exist. It
// reports whether every entity is now present.
func (s *InMemoryStore) CreateEntities(ctx context.Context, entities []*Entity) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		if e == nil || e.ID == uuid.Nil {
			return false, errors.New("memory: entity id is required")
		}
		if _, ok := s.entities[e.ID]; ok {
			continue
		}
		dup := *e
		dup.Names = append([]string(nil), e.Names...)
		s.entities[e.ID] = &dup
	}
	return true, nil
}

// GetEntityByID returns (nil, nil) for unknown ids.
func (s *InMemoryStore) GetEntityByID(ctx context.Context, id uuid.UUID) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, nil
	}
	dup := *e
	dup.Names = append([]string(nil), e.Names...)
	return &dup, nil
}

// CreateWorld stores world, assigning an id when missing.
func (s *InMemoryStore) CreateWorld(ctx context.Context, world *World) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	if world == nil {
		return uuid.Nil, errors.New("memory: nil world")
	}
	dup := *world
	if dup.ID == uuid.Nil {
		dup.ID = uuid.New()
	}
	s.mu.Lock()
	s.worlds[dup.ID] = &dup
	s.mu.Unlock()
	return dup.ID, nil
}

// GetWorld returns (nil, nil) for unknown ids.
func (s *InMemoryStore) GetWorld(ctx context.Context, id uuid.UUID) (*World, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[id]
	if !ok {
		return nil, nil
	}
	dup := *w
	return &dup, nil
}

// CreateRoom stores room, assigning an id when missing.
func (s *InMemoryStore) CreateRoom(ctx context.Context, room *Room) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	if room == nil {
		return uuid.Nil, errors.New("memory: nil room")
	}
	dup := *room
	if dup.ID == uuid.Nil {
		dup.ID = uuid.New()
	}
	s.mu.Lock()
	s.rooms[dup.ID] = &dup
	s.mu.Unlock()
	return dup.ID, nil
}

// GetRoom returns (nil, nil) for unknown ids.
func (s *InMemoryStore) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, nil
	}
	dup := *r
	return &dup, nil
}

// AddParticipant records membership; it reports false if already present.
func (s *InMemoryStore) AddParticipant(ctx context.Context, entityID, roomID uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if entityID == uuid.Nil || roomID == uuid.Nil {
		return false, fmt.Errorf("memory: participant requires entity and room ids")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.participants[roomID]
	if !ok {
		members = make(map[uuid.UUID]struct{})
		s.participants[roomID] = members
	}
	if _, exists := members[entityID]; exists {
		return false, nil
	}
	members[entityID] = struct{}{}
	return true, nil
}

// GetParticipantsForRoom lists member entity ids in a stable order.
func (s *InMemoryStore) GetParticipantsForRoom(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.participants[roomID]))
	for id := range s.participants[roomID] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Package postgres is a memory.Store on PostgreSQL. Vector search uses the
// pgvector extension's cosine distance operator.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/cexll/eliza-go/pkg/memory"
)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS eliza_memories (
	id         UUID PRIMARY KEY,
	agent_id   UUID NOT NULL,
	entity_id  UUID NOT NULL,
	room_id    UUID NOT NULL,
	world_id   UUID NOT NULL,
	table_name TEXT NOT NULL,
	content    JSONB NOT NULL DEFAULT '{}',
	embedding  vector,
	metadata   JSONB,
	is_unique  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_eliza_memories_room ON eliza_memories (room_id, table_name, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_eliza_memories_agent ON eliza_memories (agent_id, table_name);

CREATE TABLE IF NOT EXISTS eliza_entities (
	id       UUID PRIMARY KEY,
	agent_id UUID NOT NULL,
	names    TEXT[] NOT NULL DEFAULT '{}',
	metadata JSONB
);

CREATE TABLE IF NOT EXISTS eliza_worlds (
	id        UUID PRIMARY KEY,
	agent_id  UUID NOT NULL,
	name      TEXT NOT NULL DEFAULT '',
	server_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS eliza_rooms (
	id           UUID PRIMARY KEY,
	agent_id     UUID NOT NULL,
	world_id     UUID NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT '',
	channel_type TEXT NOT NULL DEFAULT '',
	channel_id   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS eliza_participants (
	entity_id UUID NOT NULL,
	room_id   UUID NOT NULL,
	PRIMARY KEY (room_id, entity_id)
);
`

const memoryColumns = `id, agent_id, entity_id, room_id, world_id, content, embedding::text, metadata, is_unique, created_at, updated_at`

// Options configures a Store.
type Options struct {
	Logger *zerolog.Logger
	// SkipSchema leaves schema management to the operator.
	SkipSchema bool
	// MaxConns overrides the pool size when positive.
	MaxConns int32
}

// Store implements memory.Store on a pgx connection pool.
type Store struct {
	pool       *pgxpool.Pool
	logger     zerolog.Logger
	skipSchema bool
	now        func() time.Time
}

var _ memory.Store = (*Store)(nil)

// New connects and pings the database. The schema is created by Init.
func New(ctx context.Context, connURL string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "postgres").Logger()
	}
	return &Store{
		pool:       pool,
		logger:     logger,
		skipSchema: opts.SkipSchema,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Init creates the tables when missing. It is safe to call from every
// runtime sharing the store.
func (s *Store) Init(ctx context.Context) error {
	if s.skipSchema {
		return nil
	}
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	s.logger.Debug().Msg("schema ready")
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateMemory upserts mem. An existing id is overwritten.
func (s *Store) CreateMemory(ctx context.Context, mem *memory.Memory, tableName string) (uuid.UUID, error) {
	if mem == nil {
		return uuid.Nil, errors.New("memory: nil memory")
	}
	if mem.RoomID == uuid.Nil || mem.EntityID == uuid.Nil {
		return uuid.Nil, memory.ErrInvalidMemory
	}
	if tableName == "" {
		tableName = memory.TableMessages
	}
	id := mem.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.now()
	created := mem.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO eliza_memories (id, agent_id, entity_id, room_id, world_id, table_name, content, embedding, metadata, is_unique, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			entity_id = EXCLUDED.entity_id,
			room_id = EXCLUDED.room_id,
			world_id = EXCLUDED.world_id,
			table_name = EXCLUDED.table_name,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			is_unique = EXCLUDED.is_unique,
			updated_at = EXCLUDED.updated_at`,
		id, mem.AgentID, mem.EntityID, mem.RoomID, mem.WorldID, tableName,
		mem.Content, vectorParam(mem.Embedding), mem.Metadata, mem.Unique, created, now)
	if err != nil {
		return uuid.Nil, fmt.Errorf("postgres: create memory: %w", err)
	}
	return id, nil
}

// GetMemories returns matching memories newest first.
func (s *Store) GetMemories(ctx context.Context, filter memory.Filter) ([]*memory.Memory, error) {
	var q query
	q.where("table_name", filter.TableName, filter.TableName != "")
	q.where("room_id", filter.RoomID, filter.RoomID != uuid.Nil)
	q.where("entity_id", filter.EntityID, filter.EntityID != uuid.Nil)
	q.where("agent_id", filter.AgentID, filter.AgentID != uuid.Nil)
	q.where("world_id", filter.WorldID, filter.WorldID != uuid.Nil)
	q.where("is_unique", true, filter.Unique)
	q.cond("created_at >= $%d", filter.Start, !filter.Start.IsZero())
	q.cond("created_at <= $%d", filter.End, !filter.End.IsZero())

	sql := "SELECT " + memoryColumns + " FROM eliza_memories" + q.clause() + " ORDER BY created_at DESC, id DESC"
	if filter.Count > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", q.add(filter.Count))
	}
	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get memories: %w", err)
	}
	return collectMemories(rows, false)
}

// GetMemoryByID returns (nil, nil) when id is unknown.
func (s *Store) GetMemoryByID(ctx context.Context, id uuid.UUID) (*memory.Memory, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+memoryColumns+" FROM eliza_memories WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get memory: %w", err)
	}
	found, err := collectMemories(rows, false)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

// UpdateMemory applies the non-nil fields of update.
func (s *Store) UpdateMemory(ctx context.Context, update memory.Update) (bool, error) {
	q := query{args: []any{update.ID}}
	sets := []string{fmt.Sprintf("updated_at = $%d", q.add(s.now()))}
	if update.Content != nil {
		sets = append(sets, fmt.Sprintf("content = $%d", q.add(*update.Content)))
	}
	if update.Embedding != nil {
		sets = append(sets, fmt.Sprintf("embedding = $%d::vector", q.add(vectorParam(update.Embedding))))
	}
	if update.Metadata != nil {
		sets = append(sets, fmt.Sprintf("metadata = $%d", q.add(*update.Metadata)))
	}
	tag, err := s.pool.Exec(ctx, "UPDATE eliza_memories SET "+strings.Join(sets, ", ")+" WHERE id = $1", q.args...)
	if err != nil {
		return false, fmt.Errorf("postgres: update memory: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteMemory removes id; unknown ids are not an error.
func (s *Store) DeleteMemory(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM eliza_memories WHERE id = $1", id); err != nil {
		return fmt.Errorf("postgres: delete memory: %w", err)
	}
	return nil
}

// DeleteAllMemories removes every memory of a room in tableName.
func (s *Store) DeleteAllMemories(ctx context.Context, roomID uuid.UUID, tableName string) error {
	var q query
	q.where("room_id", roomID, true)
	q.where("table_name", tableName, tableName != "")
	if _, err := s.pool.Exec(ctx, "DELETE FROM eliza_memories"+q.clause(), q.args...); err != nil {
		return fmt.Errorf("postgres: delete room memories: %w", err)
	}
	return nil
}

// SearchMemories ranks embedded memories of the same dimension by cosine
// similarity.
func (s *Store) SearchMemories(ctx context.Context, params memory.SearchParams) ([]*memory.Memory, error) {
	if len(params.Embedding) == 0 {
		return nil, errors.New("memory: search embedding is required")
	}
	q := query{args: []any{vectorParam(params.Embedding), len(params.Embedding)}}
	q.conds = append(q.conds, "embedding IS NOT NULL", "vector_dims(embedding) = $2")
	q.where("table_name", params.TableName, params.TableName != "")
	q.where("room_id", params.RoomID, params.RoomID != uuid.Nil)
	q.where("entity_id", params.EntityID, params.EntityID != uuid.Nil)
	q.where("agent_id", params.AgentID, params.AgentID != uuid.Nil)
	q.cond("1 - (embedding <=> $1::vector) >= $%d", params.MatchThreshold, true)

	sql := "SELECT " + memoryColumns + ", 1 - (embedding <=> $1::vector) AS similarity FROM eliza_memories" +
		q.clause() + " ORDER BY embedding <=> $1::vector"
	if params.Count > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", q.add(params.Count))
	}
	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search memories: %w", err)
	}
	return collectMemories(rows, true)
}

// CreateEntities inserts entities, skipping ids that already exist.
func (s *Store) CreateEntities(ctx context.Context, entities []*memory.Entity) (bool, error) {
	batch := &pgx.Batch{}
	for _, e := range entities {
		if e == nil || e.ID == uuid.Nil {
			return false, errors.New("memory: entity id is required")
		}
		names := e.Names
		if names == nil {
			names = []string{}
		}
		batch.Queue(`INSERT INTO eliza_entities (id, agent_id, names, metadata) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`, e.ID, e.AgentID, names, e.Metadata)
	}
	if batch.Len() == 0 {
		return true, nil
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return false, fmt.Errorf("postgres: create entities: %w", err)
	}
	return true, nil
}

// GetEntityByID returns (nil, nil) for unknown ids.
func (s *Store) GetEntityByID(ctx context.Context, id uuid.UUID) (*memory.Entity, error) {
	e := &memory.Entity{}
	err := s.pool.QueryRow(ctx, "SELECT id, agent_id, names, metadata FROM eliza_entities WHERE id = $1", id).
		Scan(&e.ID, &e.AgentID, &e.Names, &e.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get entity: %w", err)
	}
	return e, nil
}

// CreateWorld upserts world, assigning an id when missing.
func (s *Store) CreateWorld(ctx context.Context, world *memory.World) (uuid.UUID, error) {
	if world == nil {
		return uuid.Nil, errors.New("memory: nil world")
	}
	id := world.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO eliza_worlds (id, agent_id, name, server_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET agent_id = EXCLUDED.agent_id, name = EXCLUDED.name, server_id = EXCLUDED.server_id`,
		id, world.AgentID, world.Name, world.ServerID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("postgres: create world: %w", err)
	}
	return id, nil
}

// GetWorld returns (nil, nil) for unknown ids.
func (s *Store) GetWorld(ctx context.Context, id uuid.UUID) (*memory.World, error) {
	w := &memory.World{}
	err := s.pool.QueryRow(ctx, "SELECT id, agent_id, name, server_id FROM eliza_worlds WHERE id = $1", id).
		Scan(&w.ID, &w.AgentID, &w.Name, &w.ServerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get world: %w", err)
	}
	return w, nil
}

// CreateRoom upserts room, assigning an id when missing.
func (s *Store) CreateRoom(ctx context.Context, room *memory.Room) (uuid.UUID, error) {
	if room == nil {
		return uuid.Nil, errors.New("memory: nil room")
	}
	id := room.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO eliza_rooms (id, agent_id, world_id, name, source, channel_type, channel_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET agent_id = EXCLUDED.agent_id, world_id = EXCLUDED.world_id, name = EXCLUDED.name,
			source = EXCLUDED.source, channel_type = EXCLUDED.channel_type, channel_id = EXCLUDED.channel_id`,
		id, room.AgentID, room.WorldID, room.Name, room.Source, string(room.ChannelType), room.ChannelID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("postgres: create room: %w", err)
	}
	return id, nil
}

// GetRoom returns (nil, nil) for unknown ids.
func (s *Store) GetRoom(ctx context.Context, id uuid.UUID) (*memory.Room, error) {
	r := &memory.Room{}
	var channel string
	err := s.pool.QueryRow(ctx, "SELECT id, agent_id, world_id, name, source, channel_type, channel_id FROM eliza_rooms WHERE id = $1", id).
		Scan(&r.ID, &r.AgentID, &r.WorldID, &r.Name, &r.Source, &channel, &r.ChannelID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get room: %w", err)
	}
	r.ChannelType = memory.ChannelType(channel)
	return r, nil
}

// AddParticipant records membership; it reports false if already present.
func (s *Store) AddParticipant(ctx context.Context, entityID, roomID uuid.UUID) (bool, error) {
	if entityID == uuid.Nil || roomID == uuid.Nil {
		return false, errors.New("memory: participant requires entity and room ids")
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO eliza_participants (entity_id, room_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, entityID, roomID)
	if err != nil {
		return false, fmt.Errorf("postgres: add participant: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetParticipantsForRoom lists member entity ids in a stable order.
func (s *Store) GetParticipantsForRoom(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, "SELECT entity_id FROM eliza_participants WHERE room_id = $1 ORDER BY entity_id::text", roomID)
	if err != nil {
		return nil, fmt.Errorf("postgres: participants: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("postgres: participants: %w", err)
	}
	return ids, nil
}

func collectMemories(rows pgx.Rows, withSimilarity bool) ([]*memory.Memory, error) {
	defer rows.Close()
	out := make([]*memory.Memory, 0)
	for rows.Next() {
		m := &memory.Memory{}
		var vec *string
		dest := []any{&m.ID, &m.AgentID, &m.EntityID, &m.RoomID, &m.WorldID, &m.Content, &vec, &m.Metadata, &m.Unique, &m.CreatedAt, &m.UpdatedAt}
		if withSimilarity {
			dest = append(dest, &m.Similarity)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		if vec != nil {
			parsed, err := parseVector(*vec)
			if err != nil {
				return nil, err
			}
			m.Embedding = parsed
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read memories: %w", err)
	}
	return out, nil
}

// query accumulates WHERE conditions with positional arguments.
type query struct {
	conds []string
	args  []any
}

func (q *query) add(v any) int {
	q.args = append(q.args, v)
	return len(q.args)
}

func (q *query) where(column string, v any, ok bool) {
	q.cond(column+" = $%d", v, ok)
}

func (q *query) cond(format string, v any, ok bool) {
	if !ok {
		return
	}
	q.conds = append(q.conds, fmt.Sprintf(format, q.add(v)))
}

func (q *query) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

// vectorParam renders v in pgvector's text form, or nil for SQL NULL.
func vectorParam(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse vector: %w", err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

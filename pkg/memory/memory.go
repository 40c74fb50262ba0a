package memory

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Table names used to partition memories.
const (
	TableMessages  = "messages"
	TableMemories  = "memories"
	TableDocuments = "documents"
	TableFragments = "fragments"
)

// Memory is a persisted unit of conversational content. ID never changes
// after creation; updates address the memory by ID.
type Memory struct {
	ID        uuid.UUID `json:"id"`
	EntityID  uuid.UUID `json:"entity_id"`
	AgentID   uuid.UUID `json:"agent_id"`
	RoomID    uuid.UUID `json:"room_id"`
	WorldID   uuid.UUID `json:"world_id,omitempty"`
	Content   Content   `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Unique    bool      `json:"unique,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`

	// Similarity is only populated on search results.
	Similarity float64 `json:"similarity,omitempty"`
}

// HasEmbedding reports whether a non-empty vector is attached.
func (m *Memory) HasEmbedding() bool {
	return m != nil && len(m.Embedding) > 0
}

// Text returns the trimmed text content.
func (m *Memory) Text() string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m.Content.Text)
}

// Clone returns a deep copy.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	dup := *m
	dup.Content = m.Content.Clone()
	if m.Embedding != nil {
		dup.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.Metadata != nil {
		meta := *m.Metadata
		meta.Tags = append([]string(nil), m.Metadata.Tags...)
		dup.Metadata = &meta
	}
	return &dup
}

// Content is the free-form payload of a memory.
type Content struct {
	Text        string         `json:"text,omitempty" yaml:"text,omitempty"`
	Thought     string         `json:"thought,omitempty" yaml:"thought,omitempty"`
	Actions     []string       `json:"actions,omitempty" yaml:"actions,omitempty"`
	Providers   []string       `json:"providers,omitempty" yaml:"providers,omitempty"`
	Source      string         `json:"source,omitempty" yaml:"source,omitempty"`
	Target      string         `json:"target,omitempty" yaml:"target,omitempty"`
	URL         string         `json:"url,omitempty" yaml:"url,omitempty"`
	InReplyTo   uuid.UUID      `json:"in_reply_to,omitempty" yaml:"in_reply_to,omitempty"`
	Attachments []Media        `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Extra       map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Displayable reports whether the content carries anything worth sending.
func (c Content) Displayable() bool {
	return strings.TrimSpace(c.Text) != "" || len(c.Attachments) > 0
}

// Clone returns a deep copy of slices and maps.
func (c Content) Clone() Content {
	dup := c
	dup.Actions = append([]string(nil), c.Actions...)
	dup.Providers = append([]string(nil), c.Providers...)
	dup.Attachments = append([]Media(nil), c.Attachments...)
	if c.Extra != nil {
		dup.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			dup.Extra[k] = v
		}
	}
	return dup
}

// Media is an attachment.
type Media struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Source      string `json:"source,omitempty"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Type classifies a memory.
type Type string

const (
	TypeMessage  Type = "message"
	TypeDocument Type = "document"
	TypeFragment Type = "fragment"
	TypeCustom   Type = "custom"
)

// Scope limits who may recall a memory.
type Scope string

const (
	ScopeShared  Scope = "shared"
	ScopePrivate Scope = "private"
	ScopeRoom    Scope = "room"
)

// Metadata is optional memory metadata.
type Metadata struct {
	Type      Type      `json:"type,omitempty"`
	Source    string    `json:"source,omitempty"`
	Scope     Scope     `json:"scope,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ChannelType describes the conversational shape of a room.
type ChannelType string

const (
	ChannelDM      ChannelType = "DM"
	ChannelGroup   ChannelType = "GROUP"
	ChannelAPI     ChannelType = "API"
	ChannelVoiceDM ChannelType = "VOICE_DM"
	ChannelSelf    ChannelType = "SELF"
)

// Direct reports whether every message in the room is addressed to the agent.
func (c ChannelType) Direct() bool {
	switch c {
	case ChannelDM, ChannelAPI, ChannelVoiceDM, ChannelSelf:
		return true
	default:
		return false
	}
}

// Entity is a participant, user or agent.
type Entity struct {
	ID       uuid.UUID      `json:"id"`
	AgentID  uuid.UUID      `json:"agent_id"`
	Names    []string       `json:"names"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Room groups memories under an agent.
type Room struct {
	ID          uuid.UUID   `json:"id"`
	AgentID     uuid.UUID   `json:"agent_id"`
	WorldID     uuid.UUID   `json:"world_id,omitempty"`
	Name        string      `json:"name,omitempty"`
	Source      string      `json:"source,omitempty"`
	ChannelType ChannelType `json:"channel_type,omitempty"`
	ChannelID   string      `json:"channel_id,omitempty"`
}

// World groups rooms under an external community.
type World struct {
	ID       uuid.UUID `json:"id"`
	AgentID  uuid.UUID `json:"agent_id"`
	Name     string    `json:"name,omitempty"`
	ServerID string    `json:"server_id,omitempty"`
}

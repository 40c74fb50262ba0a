// Package runtime hosts the per-agent execution context: character,
// registered plugin capabilities, persistence handle, event bus and the
// created → initialized → running → stopped lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/eliza-go/pkg/character"
	"github.com/cexll/eliza-go/pkg/event"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/model"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/secrets"
	"github.com/cexll/eliza-go/pkg/telemetry"
)

// Status is the lifecycle state of a runtime.
type Status string

const (
	StatusCreated     Status = "created"
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusStopped     Status = "stopped"
)

var (
	// ErrRuntimeSealed reports a plugin registered after the runtime started.
	ErrRuntimeSealed = errors.New("runtime: plugins cannot be registered once running")
	// ErrNoModelHandler wraps model.ErrNoHandler with the runtime prefix.
	ErrNoModelHandler = fmt.Errorf("runtime: %w", model.ErrNoHandler)
	// ErrModelCall wraps every error returned by a model handler.
	ErrModelCall    = errors.New("runtime: model call failed")
	errNilCharacter = errors.New("runtime: character is required")
)

// Directory is the registry view a runtime holds while registered.
type Directory interface {
	GetAgent(id uuid.UUID) (*AgentRuntime, bool)
}

// Options configures New.
type Options struct {
	Character *character.Character
	// AgentID overrides the id derived from the character.
	AgentID uuid.UUID
	Store   memory.Store
	Bus     *event.Bus
	Logger  *zerolog.Logger
	Plugins []plugin.Plugin
	// Settings are consulted before character settings by GetSetting.
	Settings map[string]string
	// SecretSalt decrypts character secrets on lookup.
	SecretSalt string
	Telemetry  *telemetry.Manager
	// RunHistory bounds the retained run records.
	RunHistory int
}

const (
	defaultRunHistory = 100
	stateCacheSize    = 256
)

// AgentRuntime is one agent's execution context.
type AgentRuntime struct {
	id        uuid.UUID
	store     memory.Store
	bus       *event.Bus
	ownsBus   bool
	logger    zerolog.Logger
	settings  map[string]string
	salt      string
	telemetry *telemetry.Manager

	mu         sync.RWMutex
	character  *character.Character
	status     Status
	plugins    []plugin.Plugin
	actions    []plugin.Action
	providers  []plugin.Provider
	evaluators []plugin.Evaluator
	services   []plugin.Service
	started    []plugin.Service
	models     map[model.Type][]model.Handler
	registry   Directory

	stateMu    sync.Mutex
	stateCache map[uuid.UUID]*plugin.State
	stateOrder []uuid.UUID

	runs *runRing
}

var _ plugin.Runtime = (*AgentRuntime)(nil)

// DeriveAgentID returns c.ID or a UUIDv5 of the character name.
func DeriveAgentID(c *character.Character) uuid.UUID {
	if c == nil {
		return uuid.Nil
	}
	if c.ID != uuid.Nil {
		return c.ID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.TrimSpace(c.Name)))
}

// New builds a runtime in the created state and registers opts.Plugins.
func New(opts Options) (*AgentRuntime, error) {
	if opts.Character == nil {
		return nil, errNilCharacter
	}
	id := opts.AgentID
	if id == uuid.Nil {
		id = DeriveAgentID(opts.Character)
	}
	store := opts.Store
	if store == nil {
		store = memory.NewInMemoryStore()
	}
	bus, ownsBus := opts.Bus, false
	if bus == nil {
		bus, ownsBus = event.NewBus(), true
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("agent_id", id.String()).Str("agent", opts.Character.Name).Logger()
	history := opts.RunHistory
	if history <= 0 {
		history = defaultRunHistory
	}
	rt := &AgentRuntime{
		id:         id,
		store:      store,
		bus:        bus,
		ownsBus:    ownsBus,
		logger:     logger,
		settings:   cloneSettings(opts.Settings),
		salt:       secrets.Salt(opts.SecretSalt),
		telemetry:  opts.Telemetry,
		character:  opts.Character.Clone(),
		status:     StatusCreated,
		models:     make(map[model.Type][]model.Handler),
		stateCache: make(map[uuid.UUID]*plugin.State),
		runs:       newRunRing(history),
	}
	rt.character.ID = id
	for _, p := range opts.Plugins {
		if err := rt.RegisterPlugin(context.Background(), p); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func cloneSettings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// AgentID returns the agent identifier.
func (rt *AgentRuntime) AgentID() uuid.UUID { return rt.id }

// Store returns the persistence adapter.
func (rt *AgentRuntime) Store() memory.Store { return rt.store }

// Bus returns the event bus.
func (rt *AgentRuntime) Bus() *event.Bus { return rt.bus }

// Logger returns the agent-scoped logger.
func (rt *AgentRuntime) Logger() zerolog.Logger { return rt.logger }

// Status returns the lifecycle state.
func (rt *AgentRuntime) Status() Status {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.status
}

// Character returns a copy of the character. Secrets stay encrypted.
func (rt *AgentRuntime) Character() *character.Character {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.character.Clone()
}

// UpdateCharacter replaces everything but the id and secrets. Secrets in
// next are ignored so a reload never reintroduces plaintext.
func (rt *AgentRuntime) UpdateCharacter(next *character.Character) error {
	if next == nil {
		return errNilCharacter
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	prev := rt.character.Clone()
	dup := next.Clone()
	dup.ID = rt.id
	dup.Secrets = prev.Secrets
	if nested, ok := character.SettingsSecrets(prev.Settings); ok {
		if dup.Settings == nil {
			dup.Settings = map[string]any{}
		}
		dup.Settings[character.SettingsSecretsKey] = nested
	} else if dup.Settings != nil {
		delete(dup.Settings, character.SettingsSecretsKey)
	}
	rt.character = dup
	return nil
}

// GetSetting resolves key from runtime settings, then the character. Secret
// values are decrypted on the way out.
func (rt *AgentRuntime) GetSetting(key string) (string, bool) {
	if v, ok := rt.settings[key]; ok {
		return v, true
	}
	rt.mu.RLock()
	v, ok := rt.character.Setting(key)
	rt.mu.RUnlock()
	if !ok {
		return "", false
	}
	plain, err := secrets.Decrypt(v, rt.salt)
	if err != nil {
		rt.logger.Warn().Err(err).Str("key", key).Msg("decrypt setting")
		return "", false
	}
	return plain, true
}

// RegisterPlugin adds p's capabilities. It fails once the runtime runs.
func (rt *AgentRuntime) RegisterPlugin(ctx context.Context, p plugin.Plugin) error {
	if err := p.Validate(); err != nil {
		return err
	}
	rt.mu.Lock()
	if rt.status == StatusRunning || rt.status == StatusStopped {
		rt.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuntimeSealed, p.Name)
	}
	for _, existing := range rt.plugins {
		if existing.Name == p.Name {
			rt.mu.Unlock()
			return fmt.Errorf("runtime: plugin %s already registered", p.Name)
		}
	}
	rt.plugins = append(rt.plugins, p)
	rt.actions = append(rt.actions, p.Actions...)
	rt.providers = append(rt.providers, p.Providers...)
	sort.SliceStable(rt.providers, func(i, j int) bool {
		if rt.providers[i].Position != rt.providers[j].Position {
			return rt.providers[i].Position < rt.providers[j].Position
		}
		return rt.providers[i].Name < rt.providers[j].Name
	})
	rt.evaluators = append(rt.evaluators, p.Evaluators...)
	rt.services = append(rt.services, p.Services...)
	for _, h := range p.Models {
		rt.addModelLocked(h)
	}
	initialized := rt.status == StatusInitialized
	rt.mu.Unlock()

	rt.logger.Debug().Str("plugin", p.Name).Int("actions", len(p.Actions)).Int("providers", len(p.Providers)).Msg("plugin registered")
	if initialized && p.Init != nil {
		if err := p.Init(ctx, rt); err != nil {
			return fmt.Errorf("runtime: init plugin %s: %w", p.Name, err)
		}
	}
	return nil
}

// Plugins lists registered plugin names in order.
func (rt *AgentRuntime) Plugins() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	names := make([]string, 0, len(rt.plugins))
	for _, p := range rt.plugins {
		names = append(names, p.Name)
	}
	return names
}

// Actions returns actions in registration order.
func (rt *AgentRuntime) Actions() []plugin.Action {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]plugin.Action(nil), rt.actions...)
}

// Action finds an action by name or simile.
func (rt *AgentRuntime) Action(name string) (plugin.Action, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, a := range rt.actions {
		if plugin.NormalizeName(a.Name) == plugin.NormalizeName(name) {
			return a, true
		}
	}
	for _, a := range rt.actions {
		if a.Matches(name) {
			return a, true
		}
	}
	return plugin.Action{}, false
}

// Providers returns providers in position order.
func (rt *AgentRuntime) Providers() []plugin.Provider {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]plugin.Provider(nil), rt.providers...)
}

// Evaluators returns evaluators in registration order.
func (rt *AgentRuntime) Evaluators() []plugin.Evaluator {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]plugin.Evaluator(nil), rt.evaluators...)
}

// Service looks up a registered service by name.
func (rt *AgentRuntime) Service(name string) (plugin.Service, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, s := range rt.services {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Initialize runs plugin Init hooks, prepares the store and ensures the
// agent entity exists. Calling it again is a no-op.
func (rt *AgentRuntime) Initialize(ctx context.Context) error {
	rt.mu.Lock()
	if rt.status != StatusCreated {
		rt.mu.Unlock()
		return nil
	}
	plugins := append([]plugin.Plugin(nil), rt.plugins...)
	name := rt.character.Name
	rt.mu.Unlock()

	if err := rt.store.Init(ctx); err != nil {
		return fmt.Errorf("runtime: init store: %w", err)
	}
	for _, p := range plugins {
		if p.Init == nil {
			continue
		}
		if err := p.Init(ctx, rt); err != nil {
			return fmt.Errorf("runtime: init plugin %s: %w", p.Name, err)
		}
	}
	existing, err := rt.store.GetEntityByID(ctx, rt.id)
	if err != nil {
		return fmt.Errorf("runtime: lookup agent entity: %w", err)
	}
	if existing == nil {
		if _, err := rt.store.CreateEntities(ctx, []*memory.Entity{{ID: rt.id, AgentID: rt.id, Names: []string{name}}}); err != nil {
			return fmt.Errorf("runtime: create agent entity: %w", err)
		}
	}

	rt.mu.Lock()
	rt.status = StatusInitialized
	rt.mu.Unlock()
	rt.logger.Info().Msg("runtime initialized")
	return nil
}

// Start initializes if needed, then starts services in registration order.
// A stopped runtime may be started again.
func (rt *AgentRuntime) Start(ctx context.Context) error {
	if rt.Status() == StatusCreated {
		if err := rt.Initialize(ctx); err != nil {
			return err
		}
	}
	rt.mu.Lock()
	if rt.status == StatusRunning {
		rt.mu.Unlock()
		return nil
	}
	services := append([]plugin.Service(nil), rt.services...)
	rt.mu.Unlock()

	started := make([]plugin.Service, 0, len(services))
	for _, svc := range services {
		if err := svc.Start(ctx, rt); err != nil {
			stopServices(context.WithoutCancel(ctx), started)
			return fmt.Errorf("runtime: start service %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
	}

	rt.mu.Lock()
	rt.started = started
	rt.status = StatusRunning
	rt.mu.Unlock()
	rt.logger.Info().Int("services", len(started)).Msg("runtime started")
	return nil
}

// Stop stops services in reverse order and clears the registry
// back-reference. Stopping a stopped runtime is a no-op.
func (rt *AgentRuntime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	if rt.status == StatusStopped {
		rt.registry = nil
		rt.mu.Unlock()
		return nil
	}
	started := rt.started
	rt.started = nil
	rt.status = StatusStopped
	rt.registry = nil
	rt.mu.Unlock()

	err := stopServices(ctx, started)
	rt.ClearStateCache()
	rt.logger.Info().Msg("runtime stopped")
	return err
}

// Close stops the runtime and releases the store and any owned bus.
func (rt *AgentRuntime) Close(ctx context.Context) error {
	errs := []error{rt.Stop(ctx), rt.store.Close()}
	if rt.ownsBus {
		if err := rt.bus.Close(); err != nil && !errors.Is(err, event.ErrBusClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func stopServices(ctx context.Context, services []plugin.Service) error {
	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("runtime: stop service %s: %w", services[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// AttachRegistry sets the registry back-reference.
func (rt *AgentRuntime) AttachRegistry(dir Directory) {
	rt.mu.Lock()
	rt.registry = dir
	rt.mu.Unlock()
}

// AttachRegistryIfRunning sets the back-reference only while the runtime is
// running and reports whether it did. The check and the write happen under
// the lock Stop takes.
func (rt *AgentRuntime) AttachRegistryIfRunning(dir Directory) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.status != StatusRunning {
		return false
	}
	rt.registry = dir
	return true
}

// DetachRegistry clears the registry back-reference.
func (rt *AgentRuntime) DetachRegistry() {
	rt.mu.Lock()
	rt.registry = nil
	rt.mu.Unlock()
}

// Registry returns the registry the runtime is registered with, if any.
func (rt *AgentRuntime) Registry() (Directory, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.registry, rt.registry != nil
}

// QueueEmbedding asks the embedding service to embed mem. Memories that
// already carry an embedding are not queued; it reports whether an event was
// emitted.
func (rt *AgentRuntime) QueueEmbedding(ctx context.Context, mem *memory.Memory, priority event.Priority) (bool, error) {
	if mem == nil || mem.HasEmbedding() {
		return false, nil
	}
	if !priority.Valid() {
		priority = event.PriorityNormal
	}
	err := rt.bus.Emit(ctx, event.NewEvent(event.EventEmbeddingRequested, rt.id, event.EmbeddingRequestedData{
		Memory:   mem.Clone(),
		Priority: priority,
		Source:   "runtime",
	}))
	if err != nil {
		return false, fmt.Errorf("runtime: queue embedding: %w", err)
	}
	return true, nil
}

// Emit publishes evt stamped with the agent id, logging failures.
func (rt *AgentRuntime) Emit(ctx context.Context, typ event.EventType, data any) {
	if err := rt.bus.Emit(ctx, event.NewEvent(typ, rt.id, data)); err != nil && !errors.Is(err, event.ErrBusClosed) {
		rt.logger.Warn().Err(err).Str("event", string(typ)).Msg("emit failed")
	}
}

func (rt *AgentRuntime) startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if rt.telemetry != nil {
		return rt.telemetry.StartSpan(ctx, name, opts...)
	}
	return telemetry.StartSpan(ctx, name, opts...)
}

// StartSpan starts a span on the runtime's telemetry manager.
func (rt *AgentRuntime) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return rt.startSpan(ctx, name, opts...)
}

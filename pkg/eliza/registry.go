// Package eliza is the process-wide agent registry. It maps agent ids to
// runtimes, drives their lifecycle in bulk, publishes lifecycle events and
// routes inbound messages to the right runtime.
//
// A registered runtime holds a back-reference to the registry. The
// reference is set on registration and cleared when the runtime stops, so a
// stopped runtime can be dropped independently of the registry. Ephemeral
// runtimes are never registered and never receive the reference.
package eliza

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cexll/eliza-go/pkg/character"
	"github.com/cexll/eliza-go/pkg/event"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/message"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/runtime"
	"github.com/cexll/eliza-go/pkg/secrets"
	"github.com/cexll/eliza-go/pkg/telemetry"
)

var (
	// ErrAgentNotFound matches every *AgentNotFoundError.
	ErrAgentNotFound = errors.New("eliza: agent not found")
	// ErrAgentExists reports a second registration of the same id.
	ErrAgentExists = errors.New("eliza: agent already registered")
)

// AgentNotFoundError names the id that could not be resolved.
type AgentNotFoundError struct {
	ID uuid.UUID
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("eliza: agent %s not found", e.ID)
}

// Is makes errors.Is(err, ErrAgentNotFound) hold.
func (e *AgentNotFoundError) Is(target error) bool {
	return target == ErrAgentNotFound
}

// AgentSpec describes one agent to add.
type AgentSpec struct {
	Character *character.Character
	Plugins   []plugin.Plugin
	// Store overrides the registry store for this agent.
	Store    memory.Store
	Settings map[string]string
}

// AddOptions controls AddAgents.
type AddOptions struct {
	AutoStart bool
	// Ephemeral runtimes are returned to the caller and never registered.
	Ephemeral bool
	// ReturnRuntimes fills AddResult.Runtimes.
	ReturnRuntimes bool
}

// AddResult lists the agents created by AddAgents.
type AddResult struct {
	IDs      []uuid.UUID
	Runtimes []*runtime.AgentRuntime
}

// Options configures a Registry.
type Options struct {
	// Bus is shared by every runtime. A private bus is created when nil.
	Bus    *event.Bus
	Logger *zerolog.Logger
	// Store is the default persistence adapter. Each agent gets its own
	// in-memory store when nil.
	Store      memory.Store
	SecretSalt string
	Messages   *message.Service
	Telemetry  *telemetry.Manager
	// Plugins builds plugins added to every agent ahead of its own.
	Plugins func(c *character.Character) []plugin.Plugin
}

// Registry owns the id → runtime map.
type Registry struct {
	bus       *event.Bus
	ownsBus   bool
	logger    zerolog.Logger
	store     memory.Store
	salt      string
	messages  *message.Service
	telemetry *telemetry.Manager
	plugins   func(c *character.Character) []plugin.Plugin

	mu     sync.RWMutex
	agents map[uuid.UUID]*runtime.AgentRuntime
	order  []uuid.UUID
}

var _ runtime.Directory = (*Registry)(nil)

// New builds an empty registry.
func New(opts Options) *Registry {
	bus, ownsBus := opts.Bus, false
	if bus == nil {
		bus, ownsBus = event.NewBus(), true
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	messages := opts.Messages
	if messages == nil {
		messages = message.NewService(message.Options{Logger: &logger, SerializeRooms: true})
	}
	return &Registry{
		bus:       bus,
		ownsBus:   ownsBus,
		logger:    logger,
		store:     opts.Store,
		salt:      secrets.Salt(opts.SecretSalt),
		messages:  messages,
		telemetry: opts.Telemetry,
		plugins:   opts.Plugins,
		agents:    make(map[uuid.UUID]*runtime.AgentRuntime),
	}
}

// Bus returns the shared event bus.
func (r *Registry) Bus() *event.Bus { return r.bus }

// Messages returns the message service used by HandleMessage.
func (r *Registry) Messages() *message.Service { return r.messages }

// AddAgents builds a runtime per AgentSpec. Character secrets are encrypted in
// place before the runtime sees them. Unless opts.Ephemeral is set the
// runtimes are registered; agents:added is emitted either way.
func (r *Registry) AddAgents(ctx context.Context, specs []AgentSpec, opts AddOptions) (AddResult, error) {
	built := make([]*runtime.AgentRuntime, 0, len(specs))
	for i, spec := range specs {
		rt, err := r.build(spec)
		if err != nil {
			r.discard(ctx, built)
			return AddResult{}, fmt.Errorf("eliza: agent %d: %w", i, err)
		}
		built = append(built, rt)
	}

	if !opts.Ephemeral {
		if err := r.register(built); err != nil {
			r.discard(ctx, built)
			return AddResult{}, err
		}
	}

	ids := make([]uuid.UUID, 0, len(built))
	for _, rt := range built {
		ids = append(ids, rt.AgentID())
	}
	r.emit(ctx, event.EventAgentsAdded, ids)
	r.logger.Info().Int("count", len(ids)).Bool("ephemeral", opts.Ephemeral).Msg("agents added")

	res := AddResult{IDs: ids}
	if opts.ReturnRuntimes || opts.Ephemeral {
		res.Runtimes = built
	}
	if !opts.AutoStart {
		return res, nil
	}
	if opts.Ephemeral {
		var errs []error
		for _, rt := range built {
			if err := rt.Start(ctx); err != nil {
				errs = append(errs, fmt.Errorf("eliza: start %s: %w", rt.AgentID(), err))
			}
		}
		return res, errors.Join(errs...)
	}
	return res, r.StartAgents(ctx, ids)
}

func (r *Registry) build(spec AgentSpec) (*runtime.AgentRuntime, error) {
	if spec.Character == nil {
		return nil, errors.New("character is required")
	}
	if err := secrets.EncryptCharacter(spec.Character, r.salt); err != nil {
		return nil, err
	}
	store := spec.Store
	if store == nil {
		store = r.store
	}
	if store == nil {
		store = memory.NewInMemoryStore()
	}
	var plugins []plugin.Plugin
	if r.plugins != nil {
		plugins = append(plugins, r.plugins(spec.Character)...)
	}
	plugins = append(plugins, spec.Plugins...)
	return runtime.New(runtime.Options{
		Character:  spec.Character,
		Store:      store,
		Bus:        r.bus,
		Logger:     &r.logger,
		Plugins:    plugins,
		Settings:   spec.Settings,
		SecretSalt: r.salt,
		Telemetry:  r.telemetry,
	})
}

func (r *Registry) register(runtimes []*runtime.AgentRuntime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[uuid.UUID]struct{}, len(runtimes))
	for _, rt := range runtimes {
		id := rt.AgentID()
		if _, dup := r.agents[id]; dup {
			return fmt.Errorf("%w: %s", ErrAgentExists, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s", ErrAgentExists, id)
		}
		seen[id] = struct{}{}
	}
	for _, rt := range runtimes {
		r.agents[rt.AgentID()] = rt
		r.order = append(r.order, rt.AgentID())
		rt.AttachRegistry(r)
	}
	return nil
}

func (r *Registry) discard(ctx context.Context, runtimes []*runtime.AgentRuntime) {
	for _, rt := range runtimes {
		_ = rt.Stop(ctx)
	}
}

// StartAgents starts each agent. Agents restarted after a stop get their
// back-reference again. Unknown ids yield *AgentNotFoundError entries in
// the joined error.
func (r *Registry) StartAgents(ctx context.Context, ids []uuid.UUID) error {
	var (
		errs    []error
		started []uuid.UUID
	)
	for _, id := range ids {
		rt, ok := r.GetAgent(id)
		if !ok {
			errs = append(errs, &AgentNotFoundError{ID: id})
			continue
		}
		if err := rt.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("eliza: start %s: %w", id, err))
			continue
		}
		if r.attachIfRegistered(rt) {
			started = append(started, id)
		}
	}
	if len(started) > 0 {
		r.emit(ctx, event.EventAgentsStarted, started)
	}
	return errors.Join(errs...)
}

// attachIfRegistered sets the back-reference unless the agent was deleted
// or stopped while starting.
func (r *Registry) attachIfRegistered(rt *runtime.AgentRuntime) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.agents[rt.AgentID()] != rt {
		return false
	}
	return rt.AttachRegistryIfRunning(r)
}

// StopAgents stops each agent. Stopped agents stay registered but no
// longer reference the registry.
func (r *Registry) StopAgents(ctx context.Context, ids []uuid.UUID) error {
	var (
		errs    []error
		stopped []uuid.UUID
	)
	for _, id := range ids {
		rt, ok := r.GetAgent(id)
		if !ok {
			errs = append(errs, &AgentNotFoundError{ID: id})
			continue
		}
		if err := rt.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("eliza: stop %s: %w", id, err))
		}
		stopped = append(stopped, id)
	}
	if len(stopped) > 0 {
		r.emit(ctx, event.EventAgentsStopped, stopped)
	}
	return errors.Join(errs...)
}

// DeleteAgents removes each agent from the map, then stops it. Removal is
// a compare-and-delete so racing deletes remove an agent once.
func (r *Registry) DeleteAgents(ctx context.Context, ids []uuid.UUID) error {
	var (
		errs    []error
		deleted []uuid.UUID
	)
	for _, id := range ids {
		rt, ok := r.remove(id)
		if !ok {
			errs = append(errs, &AgentNotFoundError{ID: id})
			continue
		}
		if err := rt.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("eliza: stop %s: %w", id, err))
		}
		deleted = append(deleted, id)
	}
	if len(deleted) > 0 {
		r.emit(ctx, event.EventAgentsDeleted, deleted)
	}
	return errors.Join(errs...)
}

func (r *Registry) remove(id uuid.UUID) (*runtime.AgentRuntime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	delete(r.agents, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	rt.DetachRegistry()
	return rt, true
}

// GetAgent returns the registered runtime for id.
func (r *Registry) GetAgent(id uuid.UUID) (*runtime.AgentRuntime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.agents[id]
	return rt, ok
}

// GetAgents returns registered runtimes in registration order.
func (r *Registry) GetAgents() []*runtime.AgentRuntime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*runtime.AgentRuntime, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// GetAgentByName returns the first registered runtime whose character has
// name.
func (r *Registry) GetAgentByName(name string) (*runtime.AgentRuntime, bool) {
	for _, rt := range r.GetAgents() {
		if rt.Character().Name == name {
			return rt, true
		}
	}
	return nil, false
}

// HandleMessage routes msg to the agent id. An unknown id fails with
// *AgentNotFoundError.
func (r *Registry) HandleMessage(ctx context.Context, id uuid.UUID, msg *memory.Memory, cb plugin.Callback) (*message.Result, error) {
	rt, ok := r.GetAgent(id)
	if !ok {
		return nil, &AgentNotFoundError{ID: id}
	}
	return r.messages.HandleMessage(ctx, rt, msg, cb)
}

// HandleMessageRuntime runs msg on rt directly, bypassing lookup. Ephemeral
// callers use it.
func (r *Registry) HandleMessageRuntime(ctx context.Context, rt *runtime.AgentRuntime, msg *memory.Memory, cb plugin.Callback) (*message.Result, error) {
	if rt == nil {
		return nil, errors.New("eliza: runtime is required")
	}
	return r.messages.HandleMessage(ctx, rt, msg, cb)
}

// Close stops every agent and releases the bus when the registry owns it.
func (r *Registry) Close(ctx context.Context) error {
	agents := r.GetAgents()
	ids := make([]uuid.UUID, 0, len(agents))
	for _, rt := range agents {
		ids = append(ids, rt.AgentID())
	}
	err := r.StopAgents(ctx, ids)
	if r.ownsBus {
		if cerr := r.bus.Close(); cerr != nil && !errors.Is(cerr, event.ErrBusClosed) {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func (r *Registry) emit(ctx context.Context, typ event.EventType, ids []uuid.UUID) {
	data := event.AgentsData{AgentIDs: append([]uuid.UUID(nil), ids...), Count: len(ids)}
	if err := r.bus.Emit(ctx, event.NewEvent(typ, uuid.Nil, data)); err != nil && !errors.Is(err, event.ErrBusClosed) {
		r.logger.Warn().Err(err).Str("event", string(typ)).Msg("emit failed")
	}
}

package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/telemetry"
)

// ComposeOptions selects which providers ComposeState runs.
type ComposeOptions struct {
	// Include names providers to run in addition to the defaults. Private
	// and dynamic providers only run when listed here.
	Include []string
	// OnlyInclude runs just the Include list and reuses cached results of
	// every other provider.
	OnlyInclude bool
	// SkipCache ignores results cached for the message.
	SkipCache bool
}

// ComposeState runs providers in position order. Each provider sees the
// state composed so far. Results are cached per message id.
func (rt *AgentRuntime) ComposeState(ctx context.Context, msg *memory.Memory, opts ComposeOptions) (*plugin.State, error) {
	ctx, span := rt.startSpan(ctx, "runtime.compose_state")
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	include := make(map[string]struct{}, len(opts.Include))
	for _, name := range opts.Include {
		include[plugin.NormalizeName(name)] = struct{}{}
	}

	state := plugin.NewState()
	if !opts.SkipCache && msg != nil {
		if cached, ok := rt.cachedState(msg.ID); ok {
			state = cached
		}
	}

	providers := rt.Providers()
	rank := make(map[string]int, len(providers))
	for i, p := range providers {
		rank[p.Name] = i
	}
	run := RunFromContext(ctx)
	for _, p := range providers {
		_, listed := include[plugin.NormalizeName(p.Name)]
		if opts.OnlyInclude && !listed {
			continue
		}
		if !opts.OnlyInclude && (p.Private || p.Dynamic) && !listed {
			continue
		}
		if err := ctx.Err(); err != nil {
			spanErr = err
			return nil, err
		}
		started := time.Now()
		res, err := p.Get(ctx, rt, msg, state)
		run.Record(RunEvent{
			Kind:     RunEventProvider,
			Name:     p.Name,
			Success:  err == nil,
			Error:    errString(err),
			Duration: time.Since(started),
		})
		if err != nil {
			rt.logger.Warn().Err(err).Str("provider", p.Name).Msg("provider failed")
			continue
		}
		state.Apply(p.Name, res)
	}
	state.SortProviders(rank)

	if msg != nil && msg.ID != uuid.Nil {
		rt.cacheState(msg.ID, state)
	}
	return state.Clone(), nil
}

func (rt *AgentRuntime) cachedState(id uuid.UUID) (*plugin.State, bool) {
	if id == uuid.Nil {
		return nil, false
	}
	rt.stateMu.Lock()
	defer rt.stateMu.Unlock()
	s, ok := rt.stateCache[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (rt *AgentRuntime) cacheState(id uuid.UUID, s *plugin.State) {
	rt.stateMu.Lock()
	defer rt.stateMu.Unlock()
	if _, exists := rt.stateCache[id]; !exists {
		rt.stateOrder = append(rt.stateOrder, id)
	}
	rt.stateCache[id] = s.Clone()
	for len(rt.stateOrder) > stateCacheSize {
		oldest := rt.stateOrder[0]
		rt.stateOrder = rt.stateOrder[1:]
		delete(rt.stateCache, oldest)
	}
}

// ClearStateCache drops cached state for ids, or everything when none given.
func (rt *AgentRuntime) ClearStateCache(ids ...uuid.UUID) {
	rt.stateMu.Lock()
	defer rt.stateMu.Unlock()
	if len(ids) == 0 {
		rt.stateCache = make(map[uuid.UUID]*plugin.State)
		rt.stateOrder = nil
		return
	}
	for _, id := range ids {
		delete(rt.stateCache, id)
	}
	kept := rt.stateOrder[:0]
	for _, id := range rt.stateOrder {
		if _, ok := rt.stateCache[id]; ok {
			kept = append(kept, id)
		}
	}
	rt.stateOrder = kept
}

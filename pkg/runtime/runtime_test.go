package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/eliza-go/pkg/character"
	"github.com/cexll/eliza-go/pkg/event"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/model"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/secrets"
)

type recordingService struct {
	name     string
	log      *[]string
	mu       *sync.Mutex
	startErr error
}

func (s recordingService) Name() string { return s.name }

func (s recordingService) Start(context.Context, plugin.Runtime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, "start:"+s.name)
	return s.startErr
}

func (s recordingService) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, "stop:"+s.name)
	return nil
}

type fakeDirectory struct{}

func (fakeDirectory) GetAgent(uuid.UUID) (*AgentRuntime, bool) { return nil, false }

func newTestRuntime(t *testing.T, plugins ...plugin.Plugin) *AgentRuntime {
	t.Helper()
	rt, err := New(Options{
		Character: &character.Character{Name: "Ada"},
		Plugins:   plugins,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func textHandler(provider string, priority int, reply string) model.Handler {
	return model.Handler{
		Type:     model.TypeTextLarge,
		Provider: provider,
		Priority: priority,
		Text: func(context.Context, model.TextParams) (model.TextResult, error) {
			return model.TextResult{Text: reply}, nil
		},
	}
}

func TestNewDerivesAgentID(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	a := newTestRuntime(t)
	b := newTestRuntime(t)
	assert.Equal(t, a.AgentID(), b.AgentID())
	assert.Equal(t, DeriveAgentID(&character.Character{Name: "Ada"}), a.AgentID())
	assert.Equal(t, a.AgentID(), a.Character().ID)

	id := uuid.New()
	rt, err := New(Options{Character: &character.Character{ID: id, Name: "Ada"}})
	require.NoError(t, err)
	assert.Equal(t, id, rt.AgentID())
}

func TestLifecycleStartsAndStopsServicesInOrder(t *testing.T) {
	var (
		log []string
		mu  sync.Mutex
	)
	rt := newTestRuntime(t, plugin.Plugin{
		Name: "svc",
		Services: []plugin.Service{
			recordingService{name: "a", log: &log, mu: &mu},
			recordingService{name: "b", log: &log, mu: &mu},
		},
	})
	ctx := context.Background()
	require.Equal(t, StatusCreated, rt.Status())

	require.NoError(t, rt.Start(ctx))
	require.Equal(t, StatusRunning, rt.Status())
	require.NoError(t, rt.Start(ctx))

	entity, err := rt.Store().GetEntityByID(ctx, rt.AgentID())
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Equal(t, []string{"Ada"}, entity.Names)

	err = rt.RegisterPlugin(ctx, plugin.Plugin{Name: "late"})
	require.ErrorIs(t, err, ErrRuntimeSealed)

	require.NoError(t, rt.Stop(ctx))
	require.NoError(t, rt.Stop(ctx))
	require.Equal(t, StatusStopped, rt.Status())
	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, log)
}

func TestStartRollsBackOnServiceFailure(t *testing.T) {
	var (
		log []string
		mu  sync.Mutex
	)
	rt := newTestRuntime(t, plugin.Plugin{
		Name: "svc",
		Services: []plugin.Service{
			recordingService{name: "ok", log: &log, mu: &mu},
			recordingService{name: "bad", log: &log, mu: &mu, startErr: errors.New("boom")},
		},
	})
	err := rt.Start(context.Background())
	require.ErrorContains(t, err, "start service bad")
	assert.Equal(t, []string{"start:ok", "start:bad", "stop:ok"}, log)
	assert.NotEqual(t, StatusRunning, rt.Status())
}

func TestPluginInitRunsDuringInitialize(t *testing.T) {
	called := 0
	rt := newTestRuntime(t, plugin.Plugin{
		Name: "init",
		Init: func(_ context.Context, r plugin.Runtime) error {
			called++
			require.NotEqual(t, uuid.Nil, r.AgentID())
			return nil
		},
	})
	require.NoError(t, rt.Initialize(context.Background()))
	require.NoError(t, rt.Initialize(context.Background()))
	assert.Equal(t, 1, called)

	err := rt.RegisterPlugin(context.Background(), plugin.Plugin{Name: "init"})
	require.ErrorContains(t, err, "already registered")
}

func TestUseModelPicksHighestPriority(t *testing.T) {
	rt := newTestRuntime(t, plugin.Plugin{
		Name:   "models",
		Models: []model.Handler{textHandler("low", 0, "low"), textHandler("high", 10, "high"), textHandler("tie", 10, "tie")},
	})
	ctx := context.Background()

	text, err := rt.GenerateText(ctx, model.TypeTextLarge, model.TextParams{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "high", text)
	provider, ok := rt.ModelProvider(model.TypeTextLarge)
	require.True(t, ok)
	assert.Equal(t, "high", provider)

	require.False(t, rt.HasModel(model.TypeTextSmall))
	_, err = rt.GenerateText(ctx, model.TypeTextSmall, model.TextParams{Prompt: "hi"})
	require.ErrorIs(t, err, ErrNoModelHandler)
	require.ErrorIs(t, err, model.ErrNoHandler)

	_, err = rt.UseModel(ctx, model.TypeTextLarge, "wrong params")
	require.Error(t, err)
}

func TestEmbedRejectsEmptyVector(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.RegisterModel(model.Handler{
		Type:     model.TypeTextEmbedding,
		Provider: "fake",
		Embed: func(context.Context, model.EmbeddingParams) ([]float32, error) {
			return nil, nil
		},
	}))
	_, err := rt.Embed(context.Background(), "text")
	require.ErrorIs(t, err, model.ErrEmptyEmbedding)
}

func TestModelCallsAreRecordedOnRun(t *testing.T) {
	rt := newTestRuntime(t, plugin.Plugin{Name: "models", Models: []model.Handler{textHandler("fake", 0, "ok")}})
	msg := &memory.Memory{ID: uuid.New(), RoomID: uuid.New()}
	ctx := context.Background()

	run := rt.StartRun(ctx, msg)
	_, err := rt.GenerateText(WithRun(ctx, run), model.TypeTextLarge, model.TextParams{Prompt: "x"})
	require.NoError(t, err)
	rt.EndRun(ctx, run, RunCompleted, nil)
	rt.EndRun(ctx, run, RunError, errors.New("ignored"))

	snap := run.Snapshot()
	assert.Equal(t, RunCompleted, snap.Status)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, RunEventModel, snap.Events[0].Kind)
	assert.Equal(t, "fake", snap.Events[0].Detail)
	assert.Equal(t, msg.RoomID, snap.RoomID)
}

func TestRunsAreBoundedAndEmitEvents(t *testing.T) {
	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	var ended []event.RunData
	_, err := event.Subscribe(bus, event.EventRunEnded, func(_ context.Context, _ event.Event, data event.RunData) {
		ended = append(ended, data)
	})
	require.NoError(t, err)

	rt, err := New(Options{Character: &character.Character{Name: "Ada"}, Bus: bus, RunHistory: 2})
	require.NoError(t, err)
	ctx := context.Background()
	var last *Run
	for i := 0; i < 3; i++ {
		last = rt.StartRun(ctx, nil)
		last.Record(RunEvent{Kind: RunEventAction, Name: "X", Success: false})
		rt.EndRun(ctx, last, RunCompleted, nil)
	}
	runs := rt.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, last.ID, runs[1].ID)
	require.Len(t, ended, 3)
	assert.Equal(t, 1, ended[2].ActionFailures)
}

func TestComposeStateOrdersProvidersAndSharesPartialState(t *testing.T) {
	var seen []string
	provider := func(name string, pos int) plugin.Provider {
		return plugin.Provider{
			Name:     name,
			Position: pos,
			Get: func(_ context.Context, _ plugin.Runtime, _ *memory.Memory, s *plugin.State) (plugin.ProviderResult, error) {
				seen = append(seen, fmt.Sprintf("%s<-%s", name, s.String("last")))
				return plugin.ProviderResult{Text: name + " text", Values: map[string]any{"last": name}}, nil
			},
		}
	}
	rt := newTestRuntime(t, plugin.Plugin{
		Name:      "p",
		Providers: []plugin.Provider{provider("LATE", 10), provider("EARLY", -5), provider("MIDDLE", 0)},
	})

	state, err := rt.ComposeState(context.Background(), &memory.Memory{ID: uuid.New()}, ComposeOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"EARLY<-", "MIDDLE<-EARLY", "LATE<-MIDDLE"}, seen)
	assert.Equal(t, "EARLY text\n\nMIDDLE text\n\nLATE text", state.Text)
	assert.Equal(t, []string{"EARLY", "MIDDLE", "LATE"}, state.Order)
}

func TestComposeStatePrivateDynamicAndCache(t *testing.T) {
	calls := map[string]int{}
	provider := func(name string, private, dynamic bool) plugin.Provider {
		return plugin.Provider{
			Name:    name,
			Private: private,
			Dynamic: dynamic,
			Get: func(context.Context, plugin.Runtime, *memory.Memory, *plugin.State) (plugin.ProviderResult, error) {
				calls[name]++
				return plugin.ProviderResult{Text: fmt.Sprintf("%s#%d", name, calls[name])}, nil
			},
		}
	}
	rt := newTestRuntime(t, plugin.Plugin{
		Name: "p",
		Providers: []plugin.Provider{
			provider("BASE", false, false),
			provider("SECRET", true, false),
			provider("FACTS", false, true),
		},
	})
	ctx := context.Background()
	msg := &memory.Memory{ID: uuid.New()}

	state, err := rt.ComposeState(ctx, msg, ComposeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "BASE#1", state.Text)

	state, err = rt.ComposeState(ctx, msg, ComposeOptions{Include: []string{"facts"}, OnlyInclude: true})
	require.NoError(t, err)
	assert.Equal(t, 1, calls["BASE"], "cached provider should not rerun")
	assert.Equal(t, "BASE#1\n\nFACTS#1", state.Text)

	state, err = rt.ComposeState(ctx, msg, ComposeOptions{Include: []string{"SECRET"}, SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, "BASE#2\n\nSECRET#1", state.Text)
	assert.Equal(t, 1, calls["FACTS"])

	rt.ClearStateCache(msg.ID)
	_, ok := rt.cachedState(msg.ID)
	assert.False(t, ok)
}

func TestComposeStateSkipsFailingProvider(t *testing.T) {
	rt := newTestRuntime(t, plugin.Plugin{
		Name: "p",
		Providers: []plugin.Provider{
			{Name: "BROKEN", Get: func(context.Context, plugin.Runtime, *memory.Memory, *plugin.State) (plugin.ProviderResult, error) {
				return plugin.ProviderResult{}, errors.New("down")
			}},
			{Name: "OK", Position: 1, Get: func(context.Context, plugin.Runtime, *memory.Memory, *plugin.State) (plugin.ProviderResult, error) {
				return plugin.ProviderResult{Text: "fine"}, nil
			}},
		},
	})
	ctx := context.Background()
	run := rt.StartRun(ctx, nil)
	state, err := rt.ComposeState(WithRun(ctx, run), &memory.Memory{}, ComposeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fine", state.Text)
	events := run.Snapshot().Events
	require.Len(t, events, 2)
	assert.False(t, events[0].Success)
}

func TestQueueEmbeddingSkipsEmbeddedMemories(t *testing.T) {
	rt := newTestRuntime(t)
	var got []event.EmbeddingRequestedData
	_, err := event.Subscribe(rt.Bus(), event.EventEmbeddingRequested, func(_ context.Context, _ event.Event, data event.EmbeddingRequestedData) {
		got = append(got, data)
	})
	require.NoError(t, err)
	ctx := context.Background()

	queued, err := rt.QueueEmbedding(ctx, &memory.Memory{ID: uuid.New(), Embedding: []float32{1}}, event.PriorityHigh)
	require.NoError(t, err)
	assert.False(t, queued)

	queued, err = rt.QueueEmbedding(ctx, &memory.Memory{ID: uuid.New(), Content: memory.Content{Text: "x"}}, "")
	require.NoError(t, err)
	assert.True(t, queued)
	require.Len(t, got, 1)
	assert.Equal(t, event.PriorityNormal, got[0].Priority)
}

func TestRegistryBackReferenceClearedOnStop(t *testing.T) {
	rt := newTestRuntime(t)
	_, ok := rt.Registry()
	require.False(t, ok)

	rt.AttachRegistry(fakeDirectory{})
	_, ok = rt.Registry()
	require.True(t, ok)

	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.Stop(context.Background()))
	_, ok = rt.Registry()
	assert.False(t, ok)
}

func TestAttachRegistryIfRunning(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	assert.False(t, rt.AttachRegistryIfRunning(fakeDirectory{}))

	require.NoError(t, rt.Start(ctx))
	assert.True(t, rt.AttachRegistryIfRunning(fakeDirectory{}))
	_, ok := rt.Registry()
	require.True(t, ok)

	require.NoError(t, rt.Stop(ctx))
	assert.False(t, rt.AttachRegistryIfRunning(fakeDirectory{}))
	_, ok = rt.Registry()
	assert.False(t, ok)
}

func TestGetSettingDecryptsSecrets(t *testing.T) {
	c := &character.Character{
		Name:     "Ada",
		Settings: map[string]any{"model": "small"},
		Secrets:  map[string]string{"API_KEY": "sk-test"},
	}
	require.NoError(t, secrets.EncryptCharacter(c, "pepper"))
	rt, err := New(Options{Character: c, SecretSalt: "pepper", Settings: map[string]string{"override": "yes"}})
	require.NoError(t, err)

	v, ok := rt.GetSetting("API_KEY")
	require.True(t, ok)
	assert.Equal(t, "sk-test", v)
	v, ok = rt.GetSetting("model")
	require.True(t, ok)
	assert.Equal(t, "small", v)
	v, ok = rt.GetSetting("override")
	require.True(t, ok)
	assert.Equal(t, "yes", v)
	_, ok = rt.GetSetting("missing")
	assert.False(t, ok)
	assert.NotEqual(t, "sk-test", rt.Character().Secrets["API_KEY"])
}

func TestUpdateCharacterKeepsSecretsAndID(t *testing.T) {
	c := &character.Character{Name: "Ada", Secrets: map[string]string{"API_KEY": "cipher"}}
	rt, err := New(Options{Character: c})
	require.NoError(t, err)

	require.NoError(t, rt.UpdateCharacter(&character.Character{
		Name:    "Ada",
		System:  "new system",
		Secrets: map[string]string{"API_KEY": "plaintext"},
	}))
	got := rt.Character()
	assert.Equal(t, "new system", got.System)
	assert.Equal(t, "cipher", got.Secrets["API_KEY"])
	assert.Equal(t, rt.AgentID(), got.ID)
	require.Error(t, rt.UpdateCharacter(nil))
}

func TestActionLookupBySimile(t *testing.T) {
	noop := func(context.Context, plugin.Runtime, *memory.Memory, *plugin.State, plugin.HandlerOptions, plugin.Callback) (plugin.ActionResult, error) {
		return plugin.ActionResult{Success: true}, nil
	}
	rt := newTestRuntime(t, plugin.Plugin{
		Name:    "a",
		Actions: []plugin.Action{{Name: "REPLY", Similes: []string{"RESPOND"}, Handler: noop}},
	})
	a, ok := rt.Action("respond")
	require.True(t, ok)
	assert.Equal(t, "REPLY", a.Name)
	_, ok = rt.Action("missing")
	assert.False(t, ok)
}

package eliza

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/eliza-go/pkg/character"
	"github.com/cexll/eliza-go/pkg/event"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/runtime"
	"github.com/cexll/eliza-go/pkg/secrets"
)

const testSalt = "registry-test-salt"

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(Options{SecretSalt: testSalt})
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

type lifecycleLog struct {
	mu     sync.Mutex
	events map[event.EventType][]event.AgentsData
}

func watchLifecycle(t *testing.T, bus *event.Bus) *lifecycleLog {
	t.Helper()
	l := &lifecycleLog{events: map[event.EventType][]event.AgentsData{}}
	for _, typ := range []event.EventType{event.EventAgentsAdded, event.EventAgentsStarted, event.EventAgentsStopped, event.EventAgentsDeleted} {
		_, err := event.Subscribe(bus, typ, func(_ context.Context, evt event.Event, data event.AgentsData) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events[evt.Type] = append(l.events[evt.Type], data)
		})
		require.NoError(t, err)
	}
	return l
}

func (l *lifecycleLog) get(typ event.EventType) []event.AgentsData {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.AgentsData(nil), l.events[typ]...)
}

func echoPlugin() plugin.Plugin {
	return plugin.Plugin{
		Name: "echo",
		Actions: []plugin.Action{{
			Name: "ECHO",
			Handler: func(_ context.Context, _ plugin.Runtime, msg *memory.Memory, _ *plugin.State, _ plugin.HandlerOptions, _ plugin.Callback) (plugin.ActionResult, error) {
				return plugin.ActionResult{Success: true, Text: "echo: " + msg.Content.Text}, nil
			},
		}},
	}
}

func TestAddAgentsEncryptsSecrets(t *testing.T) {
	r := newRegistry(t)
	c := &character.Character{
		Name:     "Ada",
		Secrets:  map[string]string{"API_KEY": "sk-test"},
		Settings: map[string]any{"secrets": map[string]any{"OTHER_KEY": "sk-other"}},
	}

	res, err := r.AddAgents(context.Background(), []AgentSpec{{Character: c}}, AddOptions{})
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)
	assert.Empty(t, res.Runtimes)

	rt, ok := r.GetAgent(res.IDs[0])
	require.True(t, ok)
	stored := rt.Character()
	for key, plain := range map[string]string{"API_KEY": "sk-test", "OTHER_KEY": "sk-other"} {
		value, ok := stored.Setting(key)
		require.True(t, ok, key)
		assert.NotEqual(t, plain, value)
		assert.True(t, strings.Contains(value, ":"))
		got, err := secrets.Decrypt(value, testSalt)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
	assert.NotEqual(t, "sk-test", c.Secrets["API_KEY"], "caller's character is encrypted in place")

	v, ok := rt.GetSetting("API_KEY")
	require.True(t, ok)
	assert.Equal(t, "sk-test", v)
}

func TestReaddingEncryptedCharacterDoesNotDoubleEncrypt(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	c := &character.Character{Name: "Ada", Secrets: map[string]string{"API_KEY": "sk-test"}}

	res, err := r.AddAgents(ctx, []AgentSpec{{Character: c}}, AddOptions{})
	require.NoError(t, err)
	first := c.Secrets["API_KEY"]
	require.NoError(t, r.DeleteAgents(ctx, res.IDs))

	_, err = r.AddAgents(ctx, []AgentSpec{{Character: c}}, AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, c.Secrets["API_KEY"])
	plain, err := secrets.Decrypt(c.Secrets["API_KEY"], testSalt)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", plain)
}

func TestStopClearsBackReferenceButKeepsAgent(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	res, err := r.AddAgents(ctx, []AgentSpec{{Character: &character.Character{Name: "Ada"}}}, AddOptions{AutoStart: true, ReturnRuntimes: true})
	require.NoError(t, err)
	rt := res.Runtimes[0]
	require.Equal(t, runtime.StatusRunning, rt.Status())
	dir, ok := rt.Registry()
	require.True(t, ok)
	require.Same(t, r, dir)

	require.NoError(t, r.StopAgents(ctx, res.IDs))
	_, ok = rt.Registry()
	assert.False(t, ok)
	again, ok := r.GetAgent(res.IDs[0])
	require.True(t, ok)
	assert.Same(t, rt, again)
	assert.Equal(t, runtime.StatusStopped, again.Status())

	require.NoError(t, r.StartAgents(ctx, res.IDs))
	_, ok = rt.Registry()
	assert.True(t, ok)
}

func TestStartDoesNotAttachAgentStoppedBeforeAttach(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	res, err := r.AddAgents(ctx, []AgentSpec{{Character: &character.Character{Name: "Ada"}}}, AddOptions{ReturnRuntimes: true})
	require.NoError(t, err)
	rt := res.Runtimes[0]

	// A stop that lands after Start returns but before the attach step.
	require.NoError(t, rt.Start(ctx))
	require.NoError(t, r.StopAgents(ctx, res.IDs))
	assert.False(t, r.attachIfRegistered(rt))
	_, ok := rt.Registry()
	assert.False(t, ok)

	require.NoError(t, rt.Start(ctx))
	assert.True(t, r.attachIfRegistered(rt))
	require.NoError(t, r.DeleteAgents(ctx, res.IDs))
	assert.False(t, r.attachIfRegistered(rt))
}

func TestEphemeralAgentsAreNotRegistered(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	res, err := r.AddAgents(ctx, []AgentSpec{{Character: &character.Character{Name: "Temp"}, Plugins: []plugin.Plugin{echoPlugin()}}}, AddOptions{Ephemeral: true, AutoStart: true})
	require.NoError(t, err)
	require.Len(t, res.Runtimes, 1)
	rt := res.Runtimes[0]
	defer func() { _ = rt.Stop(ctx) }()

	_, ok := r.GetAgent(rt.AgentID())
	assert.False(t, ok)
	_, ok = rt.Registry()
	assert.False(t, ok)
	assert.Empty(t, r.GetAgents())

	msg := &memory.Memory{EntityID: uuid.New(), RoomID: uuid.New(), Content: memory.Content{Text: "ping"}}
	out, err := r.HandleMessageRuntime(ctx, rt, msg, nil)
	require.NoError(t, err)
	assert.True(t, out.DidRespond)
	assert.Equal(t, "echo: ping", out.Content.Text)
}

func TestHandleMessageUnknownAgent(t *testing.T) {
	r := newRegistry(t)
	id := uuid.New()
	msg := &memory.Memory{EntityID: uuid.New(), RoomID: uuid.New(), Content: memory.Content{Text: "hello"}}

	_, err := r.HandleMessage(context.Background(), id, msg, nil)
	require.ErrorIs(t, err, ErrAgentNotFound)
	var notFound *AgentNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, id, notFound.ID)
	assert.Contains(t, err.Error(), id.String())
}

func TestHandleMessageRoutesToAgent(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	res, err := r.AddAgents(ctx, []AgentSpec{{Character: &character.Character{Name: "Ada"}, Plugins: []plugin.Plugin{echoPlugin()}}}, AddOptions{AutoStart: true})
	require.NoError(t, err)

	var delivered []memory.Content
	msg := &memory.Memory{EntityID: uuid.New(), RoomID: uuid.New(), Content: memory.Content{Text: "hi"}}
	out, err := r.HandleMessage(ctx, res.IDs[0], msg, func(_ context.Context, c memory.Content) ([]*memory.Memory, error) {
		delivered = append(delivered, c)
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, out.DidRespond)
	require.Len(t, delivered, 1)
	assert.Equal(t, "echo: hi", delivered[0].Text)
}

func TestLifecycleEvents(t *testing.T) {
	r := newRegistry(t)
	log := watchLifecycle(t, r.Bus())
	ctx := context.Background()
	res, err := r.AddAgents(ctx, []AgentSpec{
		{Character: &character.Character{Name: "Ada"}},
		{Character: &character.Character{Name: "Grace"}},
	}, AddOptions{AutoStart: true})
	require.NoError(t, err)
	require.Len(t, res.IDs, 2)

	added := log.get(event.EventAgentsAdded)
	require.Len(t, added, 1)
	assert.Equal(t, 2, added[0].Count)
	assert.Equal(t, res.IDs, added[0].AgentIDs)
	require.Len(t, log.get(event.EventAgentsStarted), 1)

	require.NoError(t, r.StopAgents(ctx, res.IDs[:1]))
	require.NoError(t, r.DeleteAgents(ctx, res.IDs))
	assert.Equal(t, 1, log.get(event.EventAgentsStopped)[0].Count)
	deleted := log.get(event.EventAgentsDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, 2, deleted[0].Count)
	assert.Empty(t, r.GetAgents())
}

func TestBulkOperationsReportUnknownIDs(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	res, err := r.AddAgents(ctx, []AgentSpec{{Character: &character.Character{Name: "Ada"}}}, AddOptions{})
	require.NoError(t, err)
	missing := uuid.New()

	err = r.StartAgents(ctx, []uuid.UUID{res.IDs[0], missing})
	require.ErrorIs(t, err, ErrAgentNotFound)
	rt, _ := r.GetAgent(res.IDs[0])
	assert.Equal(t, runtime.StatusRunning, rt.Status())

	require.ErrorIs(t, r.StopAgents(ctx, []uuid.UUID{missing}), ErrAgentNotFound)
	require.ErrorIs(t, r.DeleteAgents(ctx, []uuid.UUID{missing}), ErrAgentNotFound)
	_, ok := r.GetAgent(missing)
	assert.False(t, ok)
}

func TestAddAgentsRejectsDuplicatesAndBadSpecs(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	_, err := r.AddAgents(ctx, []AgentSpec{{Character: &character.Character{Name: "Ada"}}}, AddOptions{})
	require.NoError(t, err)

	_, err = r.AddAgents(ctx, []AgentSpec{{Character: &character.Character{Name: "Ada"}}}, AddOptions{})
	require.ErrorIs(t, err, ErrAgentExists)
	_, err = r.AddAgents(ctx, []AgentSpec{{Character: nil}}, AddOptions{})
	require.Error(t, err)
	assert.Len(t, r.GetAgents(), 1)
}

func TestConcurrentStopAndDelete(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	res, err := r.AddAgents(ctx, []AgentSpec{{Character: &character.Character{Name: "Ada"}}}, AddOptions{AutoStart: true, ReturnRuntimes: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var deleteErrs []error
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.StopAgents(ctx, res.IDs)
		}()
		go func() {
			defer wg.Done()
			err := r.DeleteAgents(ctx, res.IDs)
			mu.Lock()
			deleteErrs = append(deleteErrs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range deleteErrs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Empty(t, r.GetAgents())
	_, ok := res.Runtimes[0].Registry()
	assert.False(t, ok)
	assert.Equal(t, runtime.StatusStopped, res.Runtimes[0].Status())
}

func TestGetAgentByNameAndPluginFactory(t *testing.T) {
	calls := 0
	r := New(Options{Plugins: func(c *character.Character) []plugin.Plugin {
		calls++
		return []plugin.Plugin{echoPlugin()}
	}})
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	_, err := r.AddAgents(context.Background(), []AgentSpec{{Character: &character.Character{Name: "Ada"}}}, AddOptions{})
	require.NoError(t, err)

	rt, ok := r.GetAgentByName("Ada")
	require.True(t, ok)
	assert.Equal(t, []string{"echo"}, rt.Plugins())
	assert.Equal(t, 1, calls)
	_, ok = r.GetAgentByName("nobody")
	assert.False(t, ok)
}

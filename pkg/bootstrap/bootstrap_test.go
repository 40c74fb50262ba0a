package bootstrap

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/eliza-go/pkg/character"
	"github.com/cexll/eliza-go/pkg/embedding"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/message"
	"github.com/cexll/eliza-go/pkg/model"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/runtime"
)

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

type scriptedText struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (s *scriptedText) handler(t model.Type) model.Handler {
	return model.Handler{
		Type:     t,
		Provider: "scripted",
		Text: func(_ context.Context, p model.TextParams) (model.TextResult, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.prompts = append(s.prompts, p.Prompt)
			if len(s.replies) == 0 {
				return model.TextResult{}, nil
			}
			next := s.replies[0]
			s.replies = s.replies[1:]
			return model.TextResult{Text: next}, nil
		},
	}
}

func keywordEmbedder() model.Handler {
	return model.Handler{
		Type:     model.TypeTextEmbedding,
		Provider: "keywords",
		Embed: func(_ context.Context, p model.EmbeddingParams) ([]float32, error) {
			if strings.Contains(strings.ToLower(p.Text), "cat") {
				return []float32{1, 0}, nil
			}
			return []float32{0, 1}, nil
		},
	}
}

func newAgent(t *testing.T, models ...model.Handler) *runtime.AgentRuntime {
	t.Helper()
	rt, err := runtime.New(runtime.Options{
		Character: &character.Character{
			Name:   "Ada",
			System: "You are Ada.",
			Bio:    []string{"Counts things", "Likes engines"},
			Topics: []string{"mathematics"},
		},
		Plugins: []plugin.Plugin{
			Plugin(Options{Now: func() time.Time { return fixedNow }}),
			{Name: "models", Models: models},
		},
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func seed(t *testing.T, rt *runtime.AgentRuntime, room, entity uuid.UUID, text string, at time.Time, vec []float32) *memory.Memory {
	t.Helper()
	mem := &memory.Memory{EntityID: entity, RoomID: room, Content: memory.Content{Text: text}, CreatedAt: at, Embedding: vec}
	id, err := rt.Store().CreateMemory(context.Background(), mem, memory.TableMessages)
	require.NoError(t, err)
	mem.ID = id
	return mem
}

func TestComposeStateWithDefaultProviders(t *testing.T) {
	rt := newAgent(t)
	ctx := context.Background()
	room, user := uuid.New(), uuid.New()
	_, err := rt.Store().CreateEntities(ctx, []*memory.Entity{{ID: user, AgentID: rt.AgentID(), Names: []string{"Grace"}}})
	require.NoError(t, err)
	seed(t, rt, room, user, "first", fixedNow.Add(-2*time.Minute), nil)
	seed(t, rt, room, rt.AgentID(), "second", fixedNow.Add(-time.Minute), nil)
	msg := seed(t, rt, room, uuid.New(), "third", fixedNow, nil)

	state, err := rt.ComposeState(ctx, msg, runtime.ComposeOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{ProviderCharacter, ProviderActions, ProviderTime, ProviderRecentMessages}, state.Order)
	assert.NotContains(t, state.Providers, ProviderRelevantMemories)

	assert.Contains(t, state.Text, "# About Ada")
	assert.Contains(t, state.Text, "- Counts things")
	assert.Contains(t, state.Text, "# Possible Actions")
	assert.NotContains(t, state.Providers[ProviderActions].Text, "REPLY", "REPLY needs a text model")
	assert.Contains(t, state.Providers[ProviderTime].Text, "14 Mar 2026")
	assert.Equal(t, "Ada", state.Values["agentName"])

	recent := state.Providers[ProviderRecentMessages].Text
	assert.Equal(t, "# Conversation Messages\nGrace: first\nAda: second\nUser: third", recent)
}

func TestRelevantMemoriesSearchesWhenRequested(t *testing.T) {
	rt := newAgent(t, keywordEmbedder())
	ctx := context.Background()
	room, user := uuid.New(), uuid.New()
	seed(t, rt, room, user, "my cat sleeps all day", fixedNow.Add(-time.Hour), []float32{1, 0})
	seed(t, rt, room, user, "the engine hums", fixedNow.Add(-time.Hour), []float32{0, 1})
	msg := seed(t, rt, room, user, "tell me about cats", fixedNow, nil)

	state, err := rt.ComposeState(ctx, msg, runtime.ComposeOptions{Include: []string{"relevant_memories"}, OnlyInclude: true})
	require.NoError(t, err)
	res, ok := state.Providers[ProviderRelevantMemories]
	require.True(t, ok)
	assert.Contains(t, res.Text, "my cat sleeps all day")
	assert.NotContains(t, res.Text, "engine")
	assert.NotContains(t, res.Text, "tell me about cats")
	assert.Equal(t, []string{ProviderRelevantMemories}, state.Order)
}

func TestRelevantMemoriesWithoutEmbeddingModel(t *testing.T) {
	rt := newAgent(t)
	msg := seed(t, rt, uuid.New(), uuid.New(), "cats?", fixedNow, nil)
	state, err := rt.ComposeState(context.Background(), msg, runtime.ComposeOptions{Include: []string{ProviderRelevantMemories}, OnlyInclude: true})
	require.NoError(t, err)
	assert.Empty(t, state.Providers[ProviderRelevantMemories].Text)
	assert.Empty(t, state.Text)
}

func TestReplyGeneratesTextWhenPlanHasNone(t *testing.T) {
	text := &scriptedText{replies: []string{
		"<response><thought>greet</thought><actions>REPLY</actions><providers></providers><text></text></response>",
		"<response><thought>be warm</thought><text>Hello Grace!</text></response>",
	}}
	rt := newAgent(t, text.handler(model.TypeTextLarge))

	var delivered []memory.Content
	msg := &memory.Memory{EntityID: uuid.New(), RoomID: uuid.New(), Content: memory.Content{Text: "hi Ada"}}
	res, err := message.NewService(message.DefaultOptions()).HandleMessage(context.Background(), rt, msg, func(_ context.Context, c memory.Content) ([]*memory.Memory, error) {
		delivered = append(delivered, c)
		return nil, nil
	})
	require.NoError(t, err)
	require.True(t, res.DidRespond)
	assert.Equal(t, message.ModeActions, res.Mode)
	assert.Equal(t, "Hello Grace!", res.Content.Text)
	assert.Equal(t, "greet", res.Content.Thought)
	require.Len(t, delivered, 1)

	require.Len(t, text.prompts, 2)
	assert.Contains(t, text.prompts[1], "Your thought so far: greet")
	assert.Contains(t, text.prompts[1], "# About Ada")
	require.Len(t, res.ActionResults, 1)
	assert.Equal(t, "Hello Grace!", res.ActionResults[0].Values["lastReply"])
}

func TestReplyUsesPlannedText(t *testing.T) {
	rt := newAgent(t, (&scriptedText{}).handler(model.TypeTextSmall))
	action, ok := rt.Action(ActionReply)
	require.True(t, ok)
	msg := &memory.Memory{EntityID: uuid.New(), RoomID: uuid.New(), Content: memory.Content{Text: "hi"}}
	require.True(t, action.Validate(context.Background(), rt, msg, plugin.NewState()))

	res, err := action.Handler(context.Background(), rt, msg, plugin.NewState(), plugin.HandlerOptions{Plan: memory.Content{Text: " planned "}}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "planned", res.Text)
}

func TestReplyFallsBackToRawModelText(t *testing.T) {
	text := &scriptedText{replies: []string{"just words"}}
	rt := newAgent(t, text.handler(model.TypeTextSmall))
	action, _ := rt.Action("respond")
	msg := &memory.Memory{EntityID: uuid.New(), RoomID: uuid.New(), Content: memory.Content{Text: "hi"}}

	res, err := action.Handler(context.Background(), rt, msg, nil, plugin.HandlerOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "just words", res.Text)
}

func TestIgnorePlanProducesNoResponse(t *testing.T) {
	text := &scriptedText{replies: []string{"<response><thought>not for me</thought><actions>IGNORE</actions></response>"}}
	rt := newAgent(t, text.handler(model.TypeTextLarge))
	msg := &memory.Memory{EntityID: uuid.New(), RoomID: uuid.New(), Content: memory.Content{Text: "hmm"}}

	res, err := message.NewService(message.DefaultOptions()).HandleMessage(context.Background(), rt, msg, nil)
	require.NoError(t, err)
	assert.False(t, res.DidRespond)
	require.Len(t, res.ActionResults, 1)
	assert.Equal(t, ActionIgnore, res.ActionResults[0].Action)
	assert.True(t, res.ActionResults[0].Success)
}

func TestPluginBuildsServicePerCall(t *testing.T) {
	a, b := Plugin(Options{}), Plugin(Options{})
	require.NoError(t, a.Validate())
	require.Len(t, a.Services, 1)
	require.Len(t, b.Services, 1)
	assert.NotSame(t, a.Services[0], b.Services[0])
	assert.Equal(t, embedding.ServiceName, a.Services[0].Name())

	assert.Empty(t, Plugin(Options{DisableEmbedding: true}).Services)

	plugins := Factory(Options{})(&character.Character{Name: "Ada"})
	require.Len(t, plugins, 1)
	assert.Equal(t, Name, plugins[0].Name)
}

func TestEmbeddingServiceEnabledWithEmbeddingModel(t *testing.T) {
	rt := newAgent(t, keywordEmbedder())
	svc, ok := rt.Service(embedding.ServiceName)
	require.True(t, ok)
	assert.True(t, svc.(*embedding.Service).Enabled())

	plain := newAgent(t)
	svc, ok = plain.Service(embedding.ServiceName)
	require.True(t, ok)
	assert.False(t, svc.(*embedding.Service).Enabled())
}

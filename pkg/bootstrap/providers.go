package bootstrap

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/model"
	"github.com/cexll/eliza-go/pkg/plugin"
)

// Provider names.
const (
	ProviderCharacter        = "CHARACTER"
	ProviderRecentMessages   = "RECENT_MESSAGES"
	ProviderActions          = "ACTIONS"
	ProviderTime             = "TIME"
	ProviderRelevantMemories = "RELEVANT_MEMORIES"
)

func characterProvider() plugin.Provider {
	return plugin.Provider{
		Name:        ProviderCharacter,
		Description: "Persona, bio, topics and style of the agent",
		Position:    -10,
		Get: func(_ context.Context, rt plugin.Runtime, _ *memory.Memory, _ *plugin.State) (plugin.ProviderResult, error) {
			c := rt.Character()
			var b strings.Builder
			fmt.Fprintf(&b, "# About %s", c.Name)
			if s := strings.TrimSpace(c.System); s != "" {
				b.WriteString("\n" + s)
			}
			writeList(&b, "Bio", c.Bio)
			writeList(&b, "Topics", c.Topics)
			writeList(&b, "Adjectives", c.Adjectives)
			writeList(&b, "Style", append(append([]string(nil), c.Style.All...), c.Style.Chat...))
			return plugin.ProviderResult{
				Text:   b.String(),
				Values: map[string]any{"agentName": c.Name, "bio": strings.Join(c.Bio, " ")},
			}, nil
		},
	}
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n\n## %s", title)
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			b.WriteString("\n- " + item)
		}
	}
}

func recentMessagesProvider(limit int) plugin.Provider {
	return plugin.Provider{
		Name:        ProviderRecentMessages,
		Description: "Most recent messages of the room in chronological order",
		Position:    100,
		Get: func(ctx context.Context, rt plugin.Runtime, msg *memory.Memory, _ *plugin.State) (plugin.ProviderResult, error) {
			recent, err := rt.Store().GetMemories(ctx, memory.Filter{
				RoomID:    msg.RoomID,
				TableName: memory.TableMessages,
				Count:     limit,
			})
			if err != nil {
				return plugin.ProviderResult{}, err
			}
			slices.Reverse(recent)
			names := newNameResolver(rt)
			lines := make([]string, 0, len(recent))
			for _, m := range recent {
				if m.Text() == "" {
					continue
				}
				lines = append(lines, fmt.Sprintf("%s: %s", names.resolve(ctx, m.EntityID), m.Text()))
			}
			if len(lines) == 0 {
				return plugin.ProviderResult{Data: map[string]any{"recentMessages": recent}}, nil
			}
			return plugin.ProviderResult{
				Text:   "# Conversation Messages\n" + strings.Join(lines, "\n"),
				Values: map[string]any{"recentMessageCount": len(lines)},
				Data:   map[string]any{"recentMessages": recent},
			}, nil
		},
	}
}

type nameResolver struct {
	rt    plugin.Runtime
	cache map[uuid.UUID]string
}

func newNameResolver(rt plugin.Runtime) *nameResolver {
	return &nameResolver{rt: rt, cache: map[uuid.UUID]string{rt.AgentID(): rt.Character().Name}}
}

func (n *nameResolver) resolve(ctx context.Context, id uuid.UUID) string {
	if name, ok := n.cache[id]; ok {
		return name
	}
	name := "User"
	if e, err := n.rt.Store().GetEntityByID(ctx, id); err == nil && e != nil && len(e.Names) > 0 {
		name = e.Names[0]
	}
	n.cache[id] = name
	return name
}

func actionsProvider() plugin.Provider {
	return plugin.Provider{
		Name:        ProviderActions,
		Description: "Actions that are valid for the current message",
		Position:    -1,
		Get: func(ctx context.Context, rt plugin.Runtime, msg *memory.Memory, state *plugin.State) (plugin.ProviderResult, error) {
			var names, lines []string
			for _, a := range rt.Actions() {
				if a.Validate != nil && !a.Validate(ctx, rt, msg, state) {
					continue
				}
				names = append(names, a.Name)
				lines = append(lines, fmt.Sprintf("- %s: %s", a.Name, a.Description))
			}
			if len(names) == 0 {
				return plugin.ProviderResult{}, nil
			}
			return plugin.ProviderResult{
				Text:   "# Possible Actions\n" + strings.Join(lines, "\n"),
				Values: map[string]any{"actionNames": strings.Join(names, ", ")},
			}, nil
		},
	}
}

func timeProvider(now func() time.Time) plugin.Provider {
	return plugin.Provider{
		Name:        ProviderTime,
		Description: "Current date and time in UTC",
		Get: func(context.Context, plugin.Runtime, *memory.Memory, *plugin.State) (plugin.ProviderResult, error) {
			t := now().UTC()
			return plugin.ProviderResult{
				Text:   "The current date and time is " + t.Format(time.RFC1123),
				Values: map[string]any{"time": t.Format(time.RFC3339)},
			}, nil
		},
	}
}

// relevantMemoriesProvider is dynamic: it only runs when action selection
// asks for it, and only searches when an embedding model is registered.
func relevantMemoriesProvider(count int, threshold float64) plugin.Provider {
	return plugin.Provider{
		Name:        ProviderRelevantMemories,
		Description: "Earlier memories semantically close to the message",
		Position:    110,
		Dynamic:     true,
		Get: func(ctx context.Context, rt plugin.Runtime, msg *memory.Memory, _ *plugin.State) (plugin.ProviderResult, error) {
			if msg.Text() == "" || !rt.HasModel(model.TypeTextEmbedding) {
				return plugin.ProviderResult{}, nil
			}
			vec := msg.Embedding
			if len(vec) == 0 {
				var err error
				if vec, err = rt.Embed(ctx, msg.Text()); err != nil {
					return plugin.ProviderResult{}, err
				}
			}
			found, err := rt.Store().SearchMemories(ctx, memory.SearchParams{
				TableName:      memory.TableMessages,
				Embedding:      vec,
				RoomID:         msg.RoomID,
				MatchThreshold: threshold,
				Count:          count + 1,
			})
			if err != nil {
				return plugin.ProviderResult{}, err
			}
			lines := make([]string, 0, len(found))
			kept := make([]*memory.Memory, 0, len(found))
			for _, m := range found {
				if m.ID == msg.ID || m.Text() == "" {
					continue
				}
				if len(kept) == count {
					break
				}
				kept = append(kept, m)
				lines = append(lines, fmt.Sprintf("- (%.2f) %s", m.Similarity, m.Text()))
			}
			if len(kept) == 0 {
				return plugin.ProviderResult{}, nil
			}
			return plugin.ProviderResult{
				Text: "# Relevant Memories\n" + strings.Join(lines, "\n"),
				Data: map[string]any{"memories": kept},
			}, nil
		},
	}
}

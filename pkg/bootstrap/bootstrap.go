// Package bootstrap is the default plugin every agent loads: the REPLY,
// IGNORE and NONE actions, the context providers the message pipeline
// composes, and the embedding generation service.
package bootstrap

import (
	"time"

	"github.com/cexll/eliza-go/pkg/character"
	"github.com/cexll/eliza-go/pkg/embedding"
	"github.com/cexll/eliza-go/pkg/plugin"
)

// Name is the plugin name.
const Name = "bootstrap"

const (
	defaultRecentMessages = 20
	defaultRelevantCount  = 5
	defaultMatchThreshold = 0.75
)

// Options tunes the plugin.
type Options struct {
	// RecentMessages bounds RECENT_MESSAGES.
	RecentMessages int
	// RelevantCount and MatchThreshold drive RELEVANT_MEMORIES search.
	RelevantCount  int
	MatchThreshold float64
	// Embedding configures the per-agent embedding service.
	Embedding embedding.Options
	// DisableEmbedding leaves the embedding service out.
	DisableEmbedding bool
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RecentMessages <= 0 {
		o.RecentMessages = defaultRecentMessages
	}
	if o.RelevantCount <= 0 {
		o.RelevantCount = defaultRelevantCount
	}
	if o.MatchThreshold <= 0 {
		o.MatchThreshold = defaultMatchThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Plugin builds a bootstrap plugin. Services hold per-agent state, so call
// it once per agent.
func Plugin(opts Options) plugin.Plugin {
	opts = opts.withDefaults()
	p := plugin.Plugin{
		Name:        Name,
		Description: "Core actions, context providers and embedding generation",
		Actions:     []plugin.Action{replyAction(), ignoreAction(), noneAction()},
		Providers: []plugin.Provider{
			characterProvider(),
			recentMessagesProvider(opts.RecentMessages),
			actionsProvider(),
			timeProvider(opts.Now),
			relevantMemoriesProvider(opts.RelevantCount, opts.MatchThreshold),
		},
	}
	if !opts.DisableEmbedding {
		p.Services = []plugin.Service{embedding.New(opts.Embedding)}
	}
	return p
}

// Factory adapts Plugin to the registry's per-character plugin hook.
func Factory(opts Options) func(*character.Character) []plugin.Plugin {
	return func(*character.Character) []plugin.Plugin {
		return []plugin.Plugin{Plugin(opts)}
	}
}

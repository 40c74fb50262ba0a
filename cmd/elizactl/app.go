package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cexll/eliza-go/pkg/bootstrap"
	"github.com/cexll/eliza-go/pkg/character"
	"github.com/cexll/eliza-go/pkg/config"
	"github.com/cexll/eliza-go/pkg/eliza"
	"github.com/cexll/eliza-go/pkg/embedding"
	"github.com/cexll/eliza-go/pkg/event"
	"github.com/cexll/eliza-go/pkg/logging"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/memory/postgres"
	"github.com/cexll/eliza-go/pkg/message"
	"github.com/cexll/eliza-go/pkg/model"
	"github.com/cexll/eliza-go/pkg/model/anthropic"
	"github.com/cexll/eliza-go/pkg/model/openai"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/telemetry"
)

// Swapped in tests to avoid network providers and databases.
var (
	modelFactory = providerHandlers
	storeFactory = openStore
)

// app is the wired process: one registry shared by every configured agent.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	bus       *event.Bus
	registry  *eliza.Registry
	telemetry *telemetry.Manager
	store     memory.Store
}

func loadConfig(path string) (*config.Config, error) {
	loader, err := config.NewLoader(path)
	if err != nil {
		return nil, err
	}
	return loader.Load()
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: logOut})
	tm, err := telemetry.NewManager(telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	telemetry.SetDefault(tm)

	store, err := storeFactory(ctx, cfg.Database, &logger)
	if err != nil {
		_ = tm.Shutdown(ctx)
		return nil, err
	}
	models, err := modelFactory(cfg.Models)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = tm.Shutdown(ctx)
		return nil, err
	}
	if len(models) == 0 {
		logger.Warn().Str("provider", cfg.Models.Provider).Msg("no model handlers configured")
	}

	bus := event.NewBus(event.WithLogger(logging.Printf{Logger: logger}))
	embedOpts := embedding.Options{
		MaxQueueSize:      cfg.Embedding.MaxQueueSize,
		Concurrency:       cfg.Embedding.Concurrency,
		DefaultMaxRetries: cfg.Embedding.MaxRetries,
		Logger:            &logger,
	}
	if cfg.Embedding.Backoff {
		embedOpts.RetryBackoff = embedding.ExponentialBackoff
	}
	registry := eliza.New(eliza.Options{
		Bus:        bus,
		Logger:     &logger,
		Store:      store,
		SecretSalt: cfg.Secrets.Salt,
		Messages:   message.NewService(message.Options{Logger: &logger, SerializeRooms: cfg.Message.SerializeRoomsEnabled()}),
		Telemetry:  tm,
		Plugins:    agentPlugins(embedOpts, models),
	})
	return &app{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		registry:  registry,
		telemetry: tm,
		store:     store,
	}, nil
}

// agentPlugins gives every agent the bootstrap behaviour plus the configured
// model handlers. The embedding queue is only started when an embedding
// handler exists.
func agentPlugins(embedOpts embedding.Options, models []model.Handler) func(*character.Character) []plugin.Plugin {
	hasEmbedding := false
	for _, h := range models {
		if h.Type == model.TypeTextEmbedding {
			hasEmbedding = true
		}
	}
	return func(*character.Character) []plugin.Plugin {
		plugins := []plugin.Plugin{bootstrap.Plugin(bootstrap.Options{
			Embedding:        embedOpts,
			DisableEmbedding: !hasEmbedding,
		})}
		if len(models) > 0 {
			plugins = append(plugins, plugin.Plugin{Name: "models", Models: models})
		}
		return plugins
	}
}

// loadedAgent ties a registered agent to its character file.
type loadedAgent struct {
	id   uuid.UUID
	path string
}

// addAgents loads each character file and registers it.
func (a *app) addAgents(ctx context.Context, refs []config.AgentRef) ([]loadedAgent, error) {
	added := make([]loadedAgent, 0, len(refs))
	for _, ref := range refs {
		c, err := character.Load(ref.Character)
		if err != nil {
			return added, err
		}
		res, err := a.registry.AddAgents(ctx, []eliza.AgentSpec{{Character: c}}, eliza.AddOptions{AutoStart: ref.AutoStartEnabled()})
		if err != nil {
			return added, fmt.Errorf("add %s: %w", ref.Character, err)
		}
		a.logger.Info().Str("agent", c.Name).Str("character", ref.Character).Bool("started", ref.AutoStartEnabled()).Msg("agent loaded")
		added = append(added, loadedAgent{id: res.IDs[0], path: ref.Character})
	}
	return added, nil
}

func (a *app) close(ctx context.Context) error {
	errs := []error{a.registry.Close(ctx)}
	if err := a.bus.Close(); err != nil && !errors.Is(err, event.ErrBusClosed) {
		errs = append(errs, err)
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zerolog.Logger) (memory.Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, nil
	}
	store, err := postgres.New(ctx, cfg.URL, postgres.Options{Logger: logger, MaxConns: cfg.MaxConns})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// providerHandlers builds handlers for the selected provider. Anthropic has
// no embeddings, so an OpenAI key alongside it contributes TEXT_EMBEDDING.
func providerHandlers(cfg config.ModelsConfig) ([]model.Handler, error) {
	switch cfg.Provider {
	case "none":
		return nil, nil
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, nil
		}
		handlers, err := anthropic.Handlers(anthropic.Config{
			APIKey:     cfg.Anthropic.APIKey,
			BaseURL:    cfg.Anthropic.BaseURL,
			SmallModel: cfg.Anthropic.SmallModel,
			LargeModel: cfg.Anthropic.LargeModel,
			MaxTokens:  cfg.Anthropic.MaxTokens,
		})
		if err != nil || cfg.OpenAI.APIKey == "" {
			return handlers, err
		}
		extra, err := openaiHandlers(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		for _, h := range extra {
			if h.Type == model.TypeTextEmbedding {
				handlers = append(handlers, h)
			}
		}
		return handlers, nil
	default:
		if cfg.OpenAI.APIKey == "" {
			return nil, nil
		}
		return openaiHandlers(cfg.OpenAI)
	}
}

func openaiHandlers(p config.ProviderConfig) ([]model.Handler, error) {
	return openai.Handlers(openai.Config{
		APIKey:              p.APIKey,
		BaseURL:             p.BaseURL,
		SmallModel:          p.SmallModel,
		LargeModel:          p.LargeModel,
		EmbeddingModel:      p.EmbeddingModel,
		EmbeddingDimensions: p.EmbeddingDimensions,
		MaxTokens:           p.MaxTokens,
	})
}

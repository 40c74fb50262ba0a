// Package plugin defines the capabilities a plugin contributes to an agent
// runtime: actions, providers, evaluators, services and model handlers.
//
// Capabilities are plain structs holding functions. The runtime copies them
// into its registry during the plugin-loading phase and never looks them up
// by reflection.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cexll/eliza-go/pkg/character"
	"github.com/cexll/eliza-go/pkg/event"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/model"
)

// Runtime is the view of an agent runtime handed to plugin code.
type Runtime interface {
	AgentID() uuid.UUID
	Character() *character.Character
	GetSetting(key string) (string, bool)
	Store() memory.Store
	Bus() *event.Bus
	Logger() zerolog.Logger

	HasModel(t model.Type) bool
	GenerateText(ctx context.Context, t model.Type, params model.TextParams) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)

	Actions() []Action
	Providers() []Provider
	Service(name string) (Service, bool)
}

// Callback delivers response content to the caller. It returns memories the
// caller persisted for the content, if any.
type Callback func(ctx context.Context, content memory.Content) ([]*memory.Memory, error)

// HandlerOptions carries run context into an action handler.
type HandlerOptions struct {
	RunID uuid.UUID
	// Plan is the response proposed by action selection.
	Plan memory.Content
	// Index is the position of the action in the plan.
	Index int
}

// ActionResult is the outcome of one action.
type ActionResult struct {
	Action  string         `json:"action"`
	Success bool           `json:"success"`
	Text    string         `json:"text,omitempty"`
	Values  map[string]any `json:"values,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Action is a named behaviour the agent may perform in response to a message.
type Action struct {
	Name        string
	Similes     []string
	Description string
	// Validate gates the action; nil means always valid.
	Validate func(ctx context.Context, rt Runtime, msg *memory.Memory, state *State) bool
	Handler  func(ctx context.Context, rt Runtime, msg *memory.Memory, state *State, opts HandlerOptions, cb Callback) (ActionResult, error)
}

// Provider contributes context to the composed state.
type Provider struct {
	Name        string
	Description string
	// Position orders providers; lower runs first.
	Position int
	// Private providers run only when explicitly requested.
	Private bool
	// Dynamic providers run only when requested by action selection.
	Dynamic bool
	Get     func(ctx context.Context, rt Runtime, msg *memory.Memory, state *State) (ProviderResult, error)
}

// Evaluator runs after a response to extract facts or reflect.
type Evaluator struct {
	Name        string
	Description string
	// AlwaysRun evaluators run even when the agent did not respond.
	AlwaysRun bool
	Validate  func(ctx context.Context, rt Runtime, msg *memory.Memory, state *State) bool
	Handler   func(ctx context.Context, rt Runtime, msg *memory.Memory, state *State, responses []*memory.Memory) error
}

// Service is a long-running component started with the runtime.
type Service interface {
	Name() string
	Start(ctx context.Context, rt Runtime) error
	Stop(ctx context.Context) error
}

// Plugin bundles capabilities.
type Plugin struct {
	Name        string
	Description string
	Init        func(ctx context.Context, rt Runtime) error
	Actions     []Action
	Providers   []Provider
	Evaluators  []Evaluator
	Services    []Service
	Models      []model.Handler
}

var errUnnamed = errors.New("plugin: name is required")

// Validate checks every capability is named and callable.
func (p Plugin) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errUnnamed
	}
	for _, a := range p.Actions {
		if strings.TrimSpace(a.Name) == "" || a.Handler == nil {
			return fmt.Errorf("plugin %s: action %q requires a name and handler", p.Name, a.Name)
		}
	}
	for _, pr := range p.Providers {
		if strings.TrimSpace(pr.Name) == "" || pr.Get == nil {
			return fmt.Errorf("plugin %s: provider %q requires a name and get func", p.Name, pr.Name)
		}
	}
	for _, e := range p.Evaluators {
		if strings.TrimSpace(e.Name) == "" || e.Handler == nil {
			return fmt.Errorf("plugin %s: evaluator %q requires a name and handler", p.Name, e.Name)
		}
	}
	for _, s := range p.Services {
		if s == nil || strings.TrimSpace(s.Name()) == "" {
			return fmt.Errorf("plugin %s: service requires a name", p.Name)
		}
	}
	for _, h := range p.Models {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name, err)
		}
	}
	return nil
}

// Matches reports whether name refers to the action or one of its similes.
func (a Action) Matches(name string) bool {
	name = NormalizeName(name)
	if NormalizeName(a.Name) == name {
		return true
	}
	for _, s := range a.Similes {
		if NormalizeName(s) == name {
			return true
		}
	}
	return false
}

// NormalizeName upper-cases and trims an action or provider name.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

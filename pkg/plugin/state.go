package plugin

import (
	"maps"
	"sort"
	"strings"
)

// ProviderResult is what one provider contributes.
type ProviderResult struct {
	Text   string         `json:"text,omitempty"`
	Values map[string]any `json:"values,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// State is the composed context of one message-handling run.
type State struct {
	Values map[string]any `json:"values"`
	Data   map[string]any `json:"data"`
	Text   string         `json:"text"`

	// Providers holds each provider's result keyed by provider name.
	Providers map[string]ProviderResult `json:"providers"`
	// Order lists provider names in the order they contributed.
	Order         []string       `json:"order"`
	ActionResults []ActionResult `json:"action_results,omitempty"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		Values:    map[string]any{},
		Data:      map[string]any{},
		Providers: map[string]ProviderResult{},
	}
}

// Clone copies the top level of every map and slice.
func (s *State) Clone() *State {
	if s == nil {
		return NewState()
	}
	dup := &State{
		Values:        maps.Clone(s.Values),
		Data:          maps.Clone(s.Data),
		Text:          s.Text,
		Providers:     maps.Clone(s.Providers),
		Order:         append([]string(nil), s.Order...),
		ActionResults: append([]ActionResult(nil), s.ActionResults...),
	}
	if dup.Values == nil {
		dup.Values = map[string]any{}
	}
	if dup.Data == nil {
		dup.Data = map[string]any{}
	}
	if dup.Providers == nil {
		dup.Providers = map[string]ProviderResult{}
	}
	return dup
}

// Apply records a provider result and rebuilds Text and Values.
func (s *State) Apply(name string, res ProviderResult) {
	if _, seen := s.Providers[name]; !seen {
		s.Order = append(s.Order, name)
	}
	s.Providers[name] = res
	s.rebuild()
}

// AddActionResult appends res and exposes it through Values.
func (s *State) AddActionResult(res ActionResult) {
	s.ActionResults = append(s.ActionResults, res)
	maps.Copy(s.Values, res.Values)
	s.Data["actionResults"] = append([]ActionResult(nil), s.ActionResults...)
}

func (s *State) rebuild() {
	parts := make([]string, 0, len(s.Order))
	for _, name := range s.Order {
		res := s.Providers[name]
		maps.Copy(s.Values, res.Values)
		if t := strings.TrimSpace(res.Text); t != "" {
			parts = append(parts, t)
		}
	}
	s.Text = strings.Join(parts, "\n\n")
	s.Data["providers"] = maps.Clone(s.Providers)
}

// String returns Values[key] when it holds a string.
func (s *State) String(key string) string {
	if s == nil {
		return ""
	}
	if v, ok := s.Values[key].(string); ok {
		return v
	}
	return ""
}

// SortProviders reorders provider results by rank and rebuilds Text.
// Names missing from rank sort last.
func (s *State) SortProviders(rank map[string]int) {
	pos := func(name string) int {
		if r, ok := rank[name]; ok {
			return r
		}
		return len(rank)
	}
	sort.SliceStable(s.Order, func(i, j int) bool { return pos(s.Order[i]) < pos(s.Order[j]) })
	s.rebuild()
}

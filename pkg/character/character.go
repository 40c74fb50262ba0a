package character

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/cexll/eliza-go/pkg/config"
)

// Character is the static persona and plugin configuration of an agent.
type Character struct {
	ID              uuid.UUID          `json:"id,omitempty" yaml:"id,omitempty"`
	Name            string             `json:"name" yaml:"name"`
	Username        string             `json:"username,omitempty" yaml:"username,omitempty"`
	System          string             `json:"system,omitempty" yaml:"system,omitempty"`
	Bio             []string           `json:"bio,omitempty" yaml:"bio,omitempty"`
	Topics          []string           `json:"topics,omitempty" yaml:"topics,omitempty"`
	Adjectives      []string           `json:"adjectives,omitempty" yaml:"adjectives,omitempty"`
	MessageExamples [][]MessageExample `json:"messageExamples,omitempty" yaml:"messageExamples,omitempty"`
	PostExamples    []string           `json:"postExamples,omitempty" yaml:"postExamples,omitempty"`
	Style           Style              `json:"style,omitempty" yaml:"style,omitempty"`
	Plugins         []string           `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	Settings        map[string]any     `json:"settings,omitempty" yaml:"settings,omitempty"`
	Secrets         map[string]string  `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	Templates       map[string]string  `json:"templates,omitempty" yaml:"templates,omitempty"`
}

// MessageExample is one turn of an example conversation.
type MessageExample struct {
	Name    string         `json:"name" yaml:"name"`
	Content ExampleContent `json:"content" yaml:"content"`
}

// ExampleContent is the content of an example turn.
type ExampleContent struct {
	Text    string   `json:"text" yaml:"text"`
	Actions []string `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// Style holds free-form style guides.
type Style struct {
	All  []string `json:"all,omitempty" yaml:"all,omitempty"`
	Chat []string `json:"chat,omitempty" yaml:"chat,omitempty"`
	Post []string `json:"post,omitempty" yaml:"post,omitempty"`
}

// SettingsSecretsKey is the nested settings map holding secrets.
const SettingsSecretsKey = "secrets"

var errMissingName = errors.New("character: name is required")

// Load reads and parses a YAML or JSON character file.
func Load(path string) (*Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("character: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("character: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML or JSON character.
func Parse(data []byte) (*Character, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, errors.New("character: payload is empty")
	}
	c := &Character{}
	if err := config.Decode(data, c); err != nil {
		return nil, err
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, errMissingName
	}
	return c, nil
}

// Clone returns a deep copy of slices and the first level of maps. Nested
// settings secrets are copied too so encryption never aliases the caller.
func (c *Character) Clone() *Character {
	if c == nil {
		return nil
	}
	dup := *c
	dup.Bio = append([]string(nil), c.Bio...)
	dup.Topics = append([]string(nil), c.Topics...)
	dup.Adjectives = append([]string(nil), c.Adjectives...)
	dup.PostExamples = append([]string(nil), c.PostExamples...)
	dup.Plugins = append([]string(nil), c.Plugins...)
	dup.Style = Style{
		All:  append([]string(nil), c.Style.All...),
		Chat: append([]string(nil), c.Style.Chat...),
		Post: append([]string(nil), c.Style.Post...),
	}
	if c.MessageExamples != nil {
		dup.MessageExamples = make([][]MessageExample, len(c.MessageExamples))
		for i, conv := range c.MessageExamples {
			dup.MessageExamples[i] = append([]MessageExample(nil), conv...)
		}
	}
	if c.Settings != nil {
		dup.Settings = maps.Clone(c.Settings)
		if nested, ok := SettingsSecrets(c.Settings); ok {
			dup.Settings[SettingsSecretsKey] = maps.Clone(nested)
		}
	}
	dup.Secrets = maps.Clone(c.Secrets)
	dup.Templates = maps.Clone(c.Templates)
	return &dup
}

// SettingsSecrets returns settings.secrets as a string map. YAML decodes
// nested maps as map[string]any; both shapes are accepted.
func SettingsSecrets(settings map[string]any) (map[string]any, bool) {
	raw, ok := settings[SettingsSecretsKey]
	if !ok || raw == nil {
		return nil, false
	}
	switch v := raw.(type) {
	case map[string]any:
		return v, true
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// Setting looks up a setting, then a secret, then settings.secrets.
func (c *Character) Setting(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	if v, ok := c.Settings[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
		return fmt.Sprint(v), true
	}
	if v, ok := c.Secrets[key]; ok {
		return v, true
	}
	if nested, ok := SettingsSecrets(c.Settings); ok {
		if v, ok := nested[key].(string); ok {
			return v, true
		}
	}
	return "", false
}

// Template returns a named prompt template override.
func (c *Character) Template(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	t, ok := c.Templates[name]
	return t, ok && strings.TrimSpace(t) != ""
}

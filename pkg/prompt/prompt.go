// Package prompt renders model prompts and parses the key/value XML
// blocks models answer with.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Template names used for character overrides.
const (
	NameShouldRespond  = "shouldRespondTemplate"
	NameMessageHandler = "messageHandlerTemplate"
	NameReply          = "replyTemplate"
)

// ShouldRespond asks a small model whether the agent should answer.
const ShouldRespond = `<task>Decide on behalf of {{.AgentName}} whether they should respond to the message.</task>

<providers>
{{.Providers}}
</providers>

<instructions>
Decide if {{.AgentName}} should respond to or interact with the conversation.
If the message is directed at or relevant to {{.AgentName}}, respond with RESPOND.
If a user asks {{.AgentName}} to be quiet or the conversation has ended, respond with STOP.
Otherwise respond with IGNORE.
</instructions>

<output>
Do NOT include any thinking or reasoning outside the XML. Respond using XML format like this:
<response>
  <name>{{.AgentName}}</name>
  <reasoning>Your reasoning here</reasoning>
  <action>RESPOND | IGNORE | STOP</action>
</response>
</output>`

// MessageHandler asks a large model to plan the response.
const MessageHandler = `<task>Generate dialog and actions for the character {{.AgentName}}.</task>

<providers>
{{.Providers}}
</providers>

<actions>
{{.Actions}}
</actions>

<instructions>
Write a thought and plan for {{.AgentName}} and decide what actions to take.
Use REPLY to answer with text. Use IGNORE when {{.AgentName}} should not respond.
List any extra providers needed to answer well, otherwise leave providers empty.
</instructions>

<output>
Do NOT include any thinking or reasoning outside the XML. Respond using XML format like this:
<response>
  <thought>Your thought here</thought>
  <actions>ACTION1,ACTION2</actions>
  <providers>PROVIDER1,PROVIDER2</providers>
  <text>Your response text here</text>
</response>
</output>`

// Reply asks a large model for the reply text only.
const Reply = `<task>Generate dialog for the character {{.AgentName}}.</task>

<providers>
{{.Providers}}
</providers>

<instructions>
Write {{.AgentName}}'s next reply to the most recent message.
{{- if .Thought}}
Your thought so far: {{.Thought}}
{{- end}}
</instructions>

<output>
Respond using XML format like this:
<response>
  <thought>Your thought here</thought>
  <text>Your message here</text>
</response>
</output>`

// Data is what templates can reference.
type Data struct {
	AgentName   string
	Providers   string
	Actions     string
	Thought     string
	MessageText string
	SenderName  string
	Values      map[string]any
}

// Render executes tmpl with data. Missing keys render empty.
func Render(name, tmpl string, data Data) (string, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("prompt: parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompt: render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplates(t *testing.T) {
	out, err := Render(NameMessageHandler, MessageHandler, Data{AgentName: "Ada", Providers: "ctx", Actions: "REPLY"})
	require.NoError(t, err)
	assert.Contains(t, out, "character Ada")
	assert.Contains(t, out, "<providers>\nctx\n</providers>")

	out, err = Render(NameReply, Reply, Data{AgentName: "Ada", Thought: "be kind"})
	require.NoError(t, err)
	assert.Contains(t, out, "Your thought so far: be kind")

	_, err = Render("bad", "{{.Missing", Data{})
	require.Error(t, err)
}

func TestParseResponse(t *testing.T) {
	raw := "```xml\n<response>\n  <thought>greet them</thought>\n  <actions>REPLY, FOLLOW_UP ,</actions>\n  <providers></providers>\n  <text>Hi &amp; welcome</text>\n</response>\n```"
	resp, ok := ParseResponse(raw)
	require.True(t, ok)
	assert.Equal(t, "greet them", resp.Thought)
	assert.Equal(t, []string{"REPLY", "FOLLOW_UP"}, resp.Actions)
	assert.Empty(t, resp.Providers)
	assert.Equal(t, "Hi & welcome", resp.Text)

	_, ok = ParseResponse("no xml here")
	assert.False(t, ok)
}

func TestParseKeyValueXMLWithoutWrapper(t *testing.T) {
	fields, ok := ParseKeyValueXML("<text>hello</text><mismatch>x</other>")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"text": "hello"}, fields)
}

func TestParseDecision(t *testing.T) {
	cases := []struct {
		in   string
		want Decision
	}{
		{"<response><action>RESPOND</action></response>", DecisionRespond},
		{"<response><action>stop</action></response>", DecisionStop},
		{"<response><action>IGNORE</action></response>", DecisionIgnore},
		{"RESPOND", DecisionRespond},
		{"", DecisionIgnore},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseDecision(tc.in), tc.in)
	}
}

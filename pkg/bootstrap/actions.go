package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/model"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/prompt"
)

// Action names.
const (
	ActionReply  = "REPLY"
	ActionIgnore = "IGNORE"
	ActionNone   = "NONE"
)

func replyAction() plugin.Action {
	return plugin.Action{
		Name:        ActionReply,
		Similes:     []string{"GREET", "RESPOND", "RESPONSE"},
		Description: "Reply to the current conversation with a message",
		Validate: func(_ context.Context, rt plugin.Runtime, _ *memory.Memory, _ *plugin.State) bool {
			return rt.HasModel(model.TypeTextLarge) || rt.HasModel(model.TypeTextSmall)
		},
		Handler: reply,
	}
}

// reply uses the planned text when action selection produced one and asks
// a text model otherwise.
func reply(ctx context.Context, rt plugin.Runtime, msg *memory.Memory, state *plugin.State, opts plugin.HandlerOptions, _ plugin.Callback) (plugin.ActionResult, error) {
	if text := strings.TrimSpace(opts.Plan.Text); text != "" {
		return plugin.ActionResult{Success: true, Text: text, Values: map[string]any{"lastReply": text}}, nil
	}
	modelType := model.TypeTextLarge
	if !rt.HasModel(modelType) {
		modelType = model.TypeTextSmall
	}
	c := rt.Character()
	tmpl := prompt.Reply
	if override, ok := c.Template(prompt.NameReply); ok {
		tmpl = override
	}
	data := prompt.Data{AgentName: c.Name, Thought: opts.Plan.Thought, MessageText: msg.Content.Text}
	if state != nil {
		data.Providers = state.Text
		data.Values = state.Values
	}
	rendered, err := prompt.Render(prompt.NameReply, tmpl, data)
	if err != nil {
		return plugin.ActionResult{}, err
	}
	out, err := rt.GenerateText(ctx, modelType, model.TextParams{Prompt: rendered, System: c.System})
	if err != nil {
		return plugin.ActionResult{}, fmt.Errorf("bootstrap: reply: %w", err)
	}
	text := strings.TrimSpace(out)
	if resp, ok := prompt.ParseResponse(out); ok && strings.TrimSpace(resp.Text) != "" {
		text = strings.TrimSpace(resp.Text)
	}
	return plugin.ActionResult{Success: true, Text: text, Values: map[string]any{"lastReply": text}}, nil
}

func ignoreAction() plugin.Action {
	return plugin.Action{
		Name:        ActionIgnore,
		Similes:     []string{"STOP_TALKING", "STOP_CHATTING", "IGNORE_MESSAGE"},
		Description: "Stay silent. Use when the message is not addressed to the agent or the conversation is over",
		Validate:    alwaysValid,
		Handler:     noOutput(ActionIgnore),
	}
}

func noneAction() plugin.Action {
	return plugin.Action{
		Name:        ActionNone,
		Similes:     []string{"NO_ACTION", "NO_RESPONSE", "PASS"},
		Description: "Take no extra action beyond what is already planned",
		Validate:    alwaysValid,
		Handler:     noOutput(ActionNone),
	}
}

func alwaysValid(context.Context, plugin.Runtime, *memory.Memory, *plugin.State) bool { return true }

func noOutput(name string) func(context.Context, plugin.Runtime, *memory.Memory, *plugin.State, plugin.HandlerOptions, plugin.Callback) (plugin.ActionResult, error) {
	return func(context.Context, plugin.Runtime, *memory.Memory, *plugin.State, plugin.HandlerOptions, plugin.Callback) (plugin.ActionResult, error) {
		return plugin.ActionResult{Action: name, Success: true}, nil
	}
}

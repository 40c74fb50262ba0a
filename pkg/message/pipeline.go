package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cexll/eliza-go/pkg/event"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/model"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/prompt"
	"github.com/cexll/eliza-go/pkg/runtime"
)

const replyAction = "REPLY"

// pipeline carries one HandleMessage invocation through its stages.
type pipeline struct {
	svc    *Service
	rt     *runtime.AgentRuntime
	msg    *memory.Memory
	cb     plugin.Callback
	run    *runtime.Run
	logger zerolog.Logger

	result    *Result
	lastStage Stage
	state     *plugin.State
	plan      memory.Content
	responses []memory.Content
}

func (p *pipeline) enter(stage Stage) {
	p.lastStage = stage
	p.result.Stage = stage
	p.run.Record(runtime.RunEvent{Kind: runtime.RunEventState, Name: string(stage), Success: true})
}

func (p *pipeline) execute(ctx context.Context) (*Result, error) {
	p.enter(StageReceived)
	if err := p.persistInbound(ctx); err != nil {
		return nil, err
	}

	state, err := p.rt.ComposeState(ctx, p.msg, runtime.ComposeOptions{})
	if err != nil {
		return nil, fmt.Errorf("message: compose state: %w", err)
	}
	p.state = state
	p.enter(StageProvidersComposed)

	respond, err := p.shouldRespond(ctx)
	if err != nil {
		return nil, err
	}
	if !respond {
		p.result.Mode = ModeNone
		p.result.State = p.state
		p.runEvaluators(ctx, nil)
		return p.result, nil
	}

	if err := p.selectActions(ctx); err != nil {
		return nil, err
	}
	p.enter(StageActionsSelected)

	if err := p.executeActions(ctx); err != nil {
		return nil, err
	}

	content, ok := p.finalContent()
	p.result.State = p.state
	if !ok {
		p.runEvaluators(ctx, nil)
		return p.result, nil
	}
	reply, err := p.persistResponse(ctx, content)
	if err != nil {
		return nil, err
	}
	p.fireCallback(ctx, content)
	p.result.DidRespond = true
	p.result.Content = &content
	p.result.ResponseMemory = reply
	p.runEvaluators(ctx, []*memory.Memory{reply})
	return p.result, nil
}

func (p *pipeline) persistInbound(ctx context.Context) error {
	store := p.rt.Store()
	existing, err := store.GetMemoryByID(ctx, p.msg.ID)
	if err != nil {
		return fmt.Errorf("message: lookup inbound: %w", err)
	}
	if existing == nil {
		if _, err := store.CreateMemory(ctx, p.msg, memory.TableMessages); err != nil {
			return fmt.Errorf("message: persist inbound: %w", err)
		}
		if _, err := p.rt.QueueEmbedding(ctx, p.msg, event.PriorityNormal); err != nil {
			p.logger.Warn().Err(err).Msg("queue inbound embedding")
		}
	}
	emitMessage(ctx, p.rt, event.EventMessageReceived, p.msg)
	return nil
}

// shouldRespond answers directly in direct rooms or when the agent is
// named; otherwise a text model decides. Without a text model the agent
// responds.
func (p *pipeline) shouldRespond(ctx context.Context) (bool, error) {
	room, err := p.rt.Store().GetRoom(ctx, p.msg.RoomID)
	if err != nil {
		return false, fmt.Errorf("message: lookup room: %w", err)
	}
	if room == nil || room.ChannelType.Direct() || p.mentionsAgent() {
		return true, nil
	}
	modelType, ok := p.textModel(model.TypeTextSmall, model.TypeTextLarge)
	if !ok {
		return true, nil
	}
	text, err := p.render(prompt.NameShouldRespond, prompt.ShouldRespond, "")
	if err != nil {
		return false, err
	}
	out, err := p.rt.GenerateText(ctx, modelType, model.TextParams{Prompt: text})
	if err != nil {
		return false, fmt.Errorf("message: should respond: %w", err)
	}
	decision := prompt.ParseDecision(out)
	p.logger.Debug().Str("decision", string(decision)).Msg("should respond")
	return decision == prompt.DecisionRespond, nil
}

func (p *pipeline) mentionsAgent() bool {
	c := p.rt.Character()
	text := strings.ToLower(p.msg.Content.Text)
	for _, name := range []string{c.Name, c.Username} {
		if n := strings.ToLower(strings.TrimSpace(name)); n != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func (p *pipeline) textModel(prefer ...model.Type) (model.Type, bool) {
	for _, t := range prefer {
		if p.rt.HasModel(t) {
			return t, true
		}
	}
	return "", false
}

func (p *pipeline) render(name, fallback, thought string) (string, error) {
	tmpl := fallback
	c := p.rt.Character()
	if override, ok := c.Template(name); ok {
		tmpl = override
	}
	return prompt.Render(name, tmpl, prompt.Data{
		AgentName:   c.Name,
		Providers:   p.state.Text,
		Actions:     describeActions(p.rt.Actions()),
		Thought:     thought,
		MessageText: p.msg.Content.Text,
		Values:      p.state.Values,
	})
}

func describeActions(actions []plugin.Action) string {
	lines := make([]string, 0, len(actions))
	for _, a := range actions {
		lines = append(lines, fmt.Sprintf("%s: %s", a.Name, a.Description))
	}
	return strings.Join(lines, "\n")
}

// selectActions fills p.plan. Actions named on the inbound message win;
// otherwise a text model plans; otherwise every valid action runs.
func (p *pipeline) selectActions(ctx context.Context) error {
	if len(p.msg.Content.Actions) > 0 {
		p.plan = memory.Content{Actions: append([]string(nil), p.msg.Content.Actions...)}
		p.result.Mode = ModeActions
		return nil
	}
	modelType, ok := p.textModel(model.TypeTextLarge, model.TypeTextSmall)
	if !ok {
		for _, a := range p.rt.Actions() {
			if a.Validate == nil || a.Validate(ctx, p.rt, p.msg, p.state) {
				p.plan.Actions = append(p.plan.Actions, a.Name)
			}
		}
		p.result.Mode = ModeActions
		return nil
	}

	text, err := p.render(prompt.NameMessageHandler, prompt.MessageHandler, "")
	if err != nil {
		return err
	}
	var resp prompt.Response
	parsed := false
	for attempt := 0; attempt < p.svc.opts.ParseAttempts && !parsed; attempt++ {
		out, err := p.rt.GenerateText(ctx, modelType, model.TextParams{Prompt: text})
		if err != nil {
			return fmt.Errorf("message: select actions: %w", err)
		}
		resp, parsed = prompt.ParseResponse(out)
	}
	if !parsed {
		return ErrUnparseableResponse
	}
	p.plan = memory.Content{Text: resp.Text, Thought: resp.Thought, Actions: resp.Actions, Providers: resp.Providers}

	if len(resp.Providers) > 0 {
		state, err := p.rt.ComposeState(ctx, p.msg, runtime.ComposeOptions{Include: resp.Providers, OnlyInclude: true})
		if err != nil {
			return fmt.Errorf("message: recompose state: %w", err)
		}
		p.state = state
	}
	switch {
	case len(resp.Actions) == 0:
		p.result.Mode = ModeNone
	case isSimple(resp):
		p.result.Mode = ModeSimple
	default:
		p.result.Mode = ModeActions
	}
	return nil
}

func isSimple(resp prompt.Response) bool {
	return len(resp.Actions) == 1 && plugin.NormalizeName(resp.Actions[0]) == replyAction &&
		len(resp.Providers) == 0 && strings.TrimSpace(resp.Text) != ""
}

func (p *pipeline) executeActions(ctx context.Context) error {
	if p.result.Mode == ModeSimple {
		p.responses = append(p.responses, memory.Content{
			Text:    p.plan.Text,
			Thought: p.plan.Thought,
			Actions: p.plan.Actions,
		})
		p.run.Record(runtime.RunEvent{Kind: runtime.RunEventAction, Name: replyAction, Detail: "simple", Success: true})
		p.result.ActionResults = append(p.result.ActionResults, plugin.ActionResult{Action: replyAction, Success: true, Text: p.plan.Text})
		p.enter(StageActionsExecuted)
		return nil
	}
	for i, name := range p.plan.Actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := p.runAction(ctx, i, name)
		if err != nil {
			return err
		}
		p.result.ActionResults = append(p.result.ActionResults, res)
		p.state.AddActionResult(res)
	}
	p.enter(StageActionsExecuted)
	return nil
}

// runAction runs one planned action. Failures are recorded and swallowed
// unless the action failed on a model call.
func (p *pipeline) runAction(ctx context.Context, index int, name string) (plugin.ActionResult, error) {
	rt := p.rt
	action, ok := rt.Action(name)
	if !ok {
		res := plugin.ActionResult{Action: name, Error: "unknown action"}
		p.recordAction(ctx, res, 0)
		return res, nil
	}
	rt.Emit(ctx, event.EventActionStarted, event.ActionData{RunID: p.run.ID, Action: action.Name})

	collect := func(_ context.Context, content memory.Content) ([]*memory.Memory, error) {
		if len(content.Actions) == 0 {
			content.Actions = []string{action.Name}
		}
		p.responses = append(p.responses, content)
		return nil, nil
	}
	started := time.Now()
	res, err := callAction(ctx, action, rt, p.msg, p.state, plugin.HandlerOptions{
		RunID: p.run.ID,
		Plan:  p.plan,
		Index: index,
	}, collect)
	res.Action = action.Name
	if err != nil {
		res.Success = false
		res.Error = err.Error()
	}
	p.recordAction(ctx, res, time.Since(started))
	if err != nil {
		if errors.Is(err, runtime.ErrModelCall) {
			return res, fmt.Errorf("message: action %s: %w", action.Name, err)
		}
		p.logger.Warn().Err(err).Str("action", action.Name).Msg("action failed")
		return res, nil
	}
	if strings.TrimSpace(res.Text) != "" {
		p.responses = append(p.responses, memory.Content{Text: res.Text, Actions: []string{action.Name}})
	}
	if action.Name == replyAction {
		p.enter(StageModelInvoked)
	}
	return res, nil
}

func callAction(ctx context.Context, a plugin.Action, rt plugin.Runtime, msg *memory.Memory, state *plugin.State, opts plugin.HandlerOptions, cb plugin.Callback) (res plugin.ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message: action %s panicked: %v", a.Name, r)
		}
	}()
	return a.Handler(ctx, rt, msg, state, opts, cb)
}

func (p *pipeline) recordAction(ctx context.Context, res plugin.ActionResult, d time.Duration) {
	p.run.Record(runtime.RunEvent{
		Kind:     runtime.RunEventAction,
		Name:     res.Action,
		Success:  res.Success,
		Error:    res.Error,
		Duration: d,
	})
	p.rt.Emit(ctx, event.EventActionCompleted, event.ActionData{
		RunID:   p.run.ID,
		Action:  res.Action,
		Success: res.Success,
		Error:   res.Error,
	})
}

// finalContent picks the last displayable response.
func (p *pipeline) finalContent() (memory.Content, bool) {
	for i := len(p.responses) - 1; i >= 0; i-- {
		c := p.responses[i]
		if !c.Displayable() {
			continue
		}
		if c.Thought == "" {
			c.Thought = p.plan.Thought
		}
		if len(c.Actions) == 0 {
			c.Actions = p.plan.Actions
		}
		c.InReplyTo = p.msg.ID
		if c.Source == "" {
			c.Source = p.msg.Content.Source
		}
		return c, true
	}
	return memory.Content{}, false
}

func (p *pipeline) persistResponse(ctx context.Context, content memory.Content) (*memory.Memory, error) {
	agentID := p.rt.AgentID()
	reply := &memory.Memory{
		EntityID: agentID,
		AgentID:  agentID,
		RoomID:   p.msg.RoomID,
		WorldID:  p.msg.WorldID,
		Content:  content.Clone(),
		Metadata: &memory.Metadata{Type: memory.TypeMessage, Source: content.Source},
	}
	id, err := p.rt.Store().CreateMemory(ctx, reply, memory.TableMessages)
	if err != nil {
		return nil, fmt.Errorf("message: persist response: %w", err)
	}
	reply.ID = id
	p.enter(StageResponsePersisted)
	if _, err := p.rt.QueueEmbedding(ctx, reply, event.PriorityLow); err != nil {
		p.logger.Warn().Err(err).Msg("queue response embedding")
	}
	emitMessage(ctx, p.rt, event.EventMessageSent, reply)
	return reply, nil
}

func (p *pipeline) fireCallback(ctx context.Context, content memory.Content) {
	if p.cb == nil {
		return
	}
	_, err := p.cb(ctx, content.Clone())
	p.run.Record(runtime.RunEvent{Kind: runtime.RunEventState, Name: string(StageCallbackFired), Success: err == nil, Error: errorText(err)})
	if err != nil {
		p.logger.Warn().Err(err).Msg("response callback failed")
		return
	}
	p.lastStage = StageCallbackFired
	p.result.Stage = StageCallbackFired
}

func (p *pipeline) runEvaluators(ctx context.Context, responses []*memory.Memory) {
	for _, ev := range p.rt.Evaluators() {
		if !ev.AlwaysRun && len(responses) == 0 {
			continue
		}
		if ev.Validate != nil && !ev.Validate(ctx, p.rt, p.msg, p.state) {
			continue
		}
		started := time.Now()
		err := callEvaluator(ctx, ev, p.rt, p.msg, p.state, responses)
		p.run.Record(runtime.RunEvent{
			Kind:     runtime.RunEventEvaluator,
			Name:     ev.Name,
			Success:  err == nil,
			Error:    errorText(err),
			Duration: time.Since(started),
		})
		if err != nil {
			p.logger.Warn().Err(err).Str("evaluator", ev.Name).Msg("evaluator failed")
		}
	}
}

func callEvaluator(ctx context.Context, ev plugin.Evaluator, rt plugin.Runtime, msg *memory.Memory, state *plugin.State, responses []*memory.Memory) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message: evaluator %s panicked: %v", ev.Name, r)
		}
	}()
	return ev.Handler(ctx, rt, msg, state, responses)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

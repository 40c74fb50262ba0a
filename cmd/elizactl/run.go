package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/cexll/eliza-go/pkg/character"
	"github.com/cexll/eliza-go/pkg/config"
	"github.com/cexll/eliza-go/pkg/eliza"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/message"
	"github.com/cexll/eliza-go/pkg/plugin"
)

func runCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := pflag.NewFlagSet("run", pflag.ContinueOnError)
	set.SetOutput(streams.err)
	var (
		characterFlag = set.String("character", "", "Character file to run instead of a configured agent.")
		agentFlag     = set.StringP("agent", "a", "", "Name of a configured agent (defaults to the first).")
		roomFlag      = set.String("room", "", "Room id; a fresh room is used when empty.")
		entityFlag    = set.String("entity", "", "Sender entity id; a fresh entity is used when empty.")
		jsonFlag      = set.Bool("json", false, "Print the result as JSON.")
	)
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: elizactl run [flags] \"message\"")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
		fmt.Fprintln(streams.err, "\nExamples:")
		fmt.Fprintln(streams.err, "  elizactl run --character ada.yaml \"hello\"")
		fmt.Fprintln(streams.err, "  elizactl -c eliza.yaml run --agent Ada --room $ROOM \"what did I say?\"")
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	text := strings.TrimSpace(strings.Join(set.Args(), " "))
	if text == "" {
		return errors.New("run requires a message")
	}
	roomID, err := optionalID(*roomFlag, "room")
	if err != nil {
		return err
	}
	entityID, err := optionalID(*entityFlag, "entity")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	c, err := pickCharacter(cfg, *characterFlag, *agentFlag)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, streams.err)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(context.Background()) }()
	added, err := a.registry.AddAgents(ctx, []eliza.AgentSpec{{Character: c}}, eliza.AddOptions{AutoStart: true, Ephemeral: true})
	if err != nil {
		return err
	}
	rt := added.Runtimes[0]
	defer func() { _ = rt.Stop(context.Background()) }()

	msg := &memory.Memory{
		EntityID: entityID,
		RoomID:   roomID,
		Content:  memory.Content{Text: text, Source: "cli"},
	}
	res, err := a.registry.HandleMessageRuntime(ctx, rt, msg, nil)
	if err != nil {
		return fmt.Errorf("handle message: %w", err)
	}
	if *jsonFlag {
		enc := json.NewEncoder(streams.out)
		enc.SetIndent("", "  ")
		return enc.Encode(runOutput{
			Agent:         c.Name,
			RoomID:        roomID,
			DidRespond:    res.DidRespond,
			Mode:          res.Mode,
			Content:       res.Content,
			ActionResults: res.ActionResults,
		})
	}
	writeMarkdownResult(streams.out, c.Name, roomID, res)
	return nil
}

type runOutput struct {
	Agent         string                `json:"agent"`
	RoomID        uuid.UUID             `json:"room_id"`
	DidRespond    bool                  `json:"did_respond"`
	Mode          message.Mode          `json:"mode"`
	Content       *memory.Content       `json:"content,omitempty"`
	ActionResults []plugin.ActionResult `json:"action_results,omitempty"`
}

// pickCharacter prefers an explicit file, then a configured agent by name,
// then the first configured agent.
func pickCharacter(cfg *config.Config, path, name string) (*character.Character, error) {
	if strings.TrimSpace(path) != "" {
		return character.Load(path)
	}
	if len(cfg.Agents) == 0 {
		return nil, errors.New("run requires --character or agents in the config")
	}
	for _, ref := range cfg.Agents {
		c, err := character.Load(ref.Character)
		if err != nil {
			return nil, err
		}
		if name == "" || strings.EqualFold(c.Name, name) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no configured agent named %q", name)
}

func optionalID(raw, label string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", label, raw, err)
	}
	return id, nil
}

func writeMarkdownResult(out io.Writer, agent string, roomID uuid.UUID, res *message.Result) {
	if out == nil || res == nil {
		return
	}
	fmt.Fprintln(out, "# elizactl run")
	fmt.Fprintf(out, "- Agent: `%s`\n", agent)
	fmt.Fprintf(out, "- Room: `%s`\n", roomID)
	fmt.Fprintf(out, "- Mode: `%s`\n", res.Mode)
	if !res.DidRespond || res.Content == nil {
		fmt.Fprintln(out, "\n_No response._")
	} else {
		if res.Content.Thought != "" {
			fmt.Fprintf(out, "- Thought: %s\n", res.Content.Thought)
		}
		fmt.Fprintln(out, "\n## Reply")
		fmt.Fprintf(out, "```\n%s\n```\n", res.Content.Text)
	}
	if len(res.ActionResults) == 0 {
		return
	}
	fmt.Fprintln(out, "\n## Actions")
	for _, r := range res.ActionResults {
		status := "ok"
		if !r.Success {
			status = "error"
		}
		detail := strings.TrimSpace(r.Error)
		fmt.Fprintf(out, "- `%s` (%s)", r.Action, status)
		if detail != "" {
			fmt.Fprintf(out, ": %s", detail)
		}
		fmt.Fprintln(out)
	}
}

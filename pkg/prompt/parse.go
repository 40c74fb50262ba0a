package prompt

import (
	"regexp"
	"strings"
)

var (
	responseBlock = regexp.MustCompile(`(?s)<response>(.*?)</response>`)
	fieldTag      = regexp.MustCompile(`(?s)<([A-Za-z_][A-Za-z0-9_-]*)>(.*?)</([A-Za-z_][A-Za-z0-9_-]*)>`)
	codeFence     = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
)

// ParseKeyValueXML extracts the child tags of the first <response> block.
// Without a <response> wrapper it falls back to top-level tags. It reports
// false when no tag is found.
func ParseKeyValueXML(text string) (map[string]string, bool) {
	text = strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	body := text
	if m := responseBlock.FindStringSubmatch(text); m != nil {
		body = m[1]
	}
	out := make(map[string]string)
	for _, m := range fieldTag.FindAllStringSubmatch(body, -1) {
		if m[1] != m[3] {
			continue
		}
		out[m[1]] = unescape(strings.TrimSpace(m[2]))
	}
	return out, len(out) > 0
}

var xmlEntities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

func unescape(s string) string {
	return xmlEntities.Replace(s)
}

// Response is a parsed message-handler answer.
type Response struct {
	Thought   string
	Text      string
	Actions   []string
	Providers []string
	Fields    map[string]string
}

// ParseResponse parses a message-handler answer.
func ParseResponse(text string) (Response, bool) {
	fields, ok := ParseKeyValueXML(text)
	if !ok {
		return Response{}, false
	}
	return Response{
		Thought:   fields["thought"],
		Text:      fields["text"],
		Actions:   SplitList(fields["actions"]),
		Providers: SplitList(fields["providers"]),
		Fields:    fields,
	}, true
}

// Decision is the should-respond verdict.
type Decision string

const (
	DecisionRespond Decision = "RESPOND"
	DecisionIgnore  Decision = "IGNORE"
	DecisionStop    Decision = "STOP"
)

// ParseDecision reads the <action> of a should-respond answer. Unparseable
// answers are IGNORE.
func ParseDecision(text string) Decision {
	fields, _ := ParseKeyValueXML(text)
	raw := fields["action"]
	if raw == "" {
		raw = text
	}
	switch up := strings.ToUpper(raw); {
	case strings.Contains(up, string(DecisionRespond)):
		return DecisionRespond
	case strings.Contains(up, string(DecisionStop)):
		return DecisionStop
	default:
		return DecisionIgnore
	}
}

// SplitList splits a comma separated list, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/defisage/defisage/internal/tool"
)

// The fallback protocol is a fixed XML shape the selection model is told to
// emit. Models reproduce it loosely (whitespace, markdown fences, JSON
// instead of tags inside <parameters>), so extraction is regex-based and
// tolerant rather than a strict XML parse.

var (
	toolCallRe = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	toolNameRe = regexp.MustCompile(`(?s)<tool>(.*?)</tool>`)
	paramsRe   = regexp.MustCompile(`(?s)<parameters>(.*?)</parameters>`)
)

// extractToolCall pulls the tool name and raw parameter block out of a model
// response. found is false when no <tool_call> envelope exists at all. An
// empty name with found=true is the model's explicit "no tool" answer.
func extractToolCall(text string) (name, paramsBlock string, found bool) {
	env := toolCallRe.FindStringSubmatch(text)
	if env == nil {
		return "", "", false
	}
	body := env[1]

	if m := toolNameRe.FindStringSubmatch(body); m != nil {
		name = strings.TrimSpace(m[1])
	}
	if m := paramsRe.FindStringSubmatch(body); m != nil {
		paramsBlock = strings.TrimSpace(m[1])
	}
	return name, paramsBlock, true
}

// blockHasParam reports whether the raw parameter block mentions the named
// parameter, either as an XML tag or as a JSON key. Used for structural
// disambiguation between overlapping schemas before any parsing.
func blockHasParam(block, name string) bool {
	if strings.Contains(block, "<"+name+">") {
		return true
	}
	return strings.Contains(block, `"`+name+`"`)
}

// parseParams extracts the schema's declared parameters from the raw block.
// It accepts either a JSON object or one XML tag per parameter; keys the
// schema does not declare are ignored (the priority-order matcher, not the
// parser, decides whether stray fields disqualify a tool).
func parseParams(block string, sch *tool.Schema) map[string]any {
	out := map[string]any{}
	if block == "" {
		return out
	}

	// JSON object form first.
	trimmed := strings.TrimSpace(block)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			for _, p := range sch.Params() {
				if v, ok := obj[p.Name]; ok && v != nil {
					out[p.Name] = v
				}
			}
			return out
		}
	}

	// One tag per parameter.
	for _, p := range sch.Params() {
		re := regexp.MustCompile(`(?s)<` + regexp.QuoteMeta(p.Name) + `>(.*?)</` + regexp.QuoteMeta(p.Name) + `>`)
		if m := re.FindStringSubmatch(block); m != nil {
			val := strings.TrimSpace(m[1])
			if val != "" {
				out[p.Name] = val
			}
		}
	}
	return out
}

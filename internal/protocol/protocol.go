// Package protocol turns raw vision-LLM text into validated structured
// data: lenient JSON extraction tolerant of code fences, smart quotes,
// trailing commas, and salvageable-but-malformed objects, followed by
// schema validation against one of the five response shapes a pipeline
// stage expects.
//
// Ported from common/protocol.py's parse_json_dict_from_llm /
// parse_protocol_message.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/pinkllo/autospider-go/internal/autoerr"
)

var quoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
	" ", " ",
)

func normalizeQuotes(s string) string { return quoteReplacer.Replace(s) }

var codeFencePattern = regexp.MustCompile(`(?i)` + "```" + `(?:json)?`)

func stripCodeFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	s = codeFencePattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

func cleanupJSON(s string) string {
	return trailingComma.ReplaceAllString(s, "$1")
}

// extractBalancedObject returns the substring of text starting at start
// (which must be "{") up to its matching closing brace, honoring quoted
// strings and escapes.
func extractBalancedObject(text string, start int) (string, bool) {
	if start < 0 || start >= len(text) || text[start] != '{' {
		return "", false
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case inString:
			if escape {
				escape = false
			} else if ch == '\\' {
				escape = true
			} else if ch == '"' {
				inString = false
			}
		case ch == '"':
			inString = true
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func iterJSONCandidates(text string) []string {
	seen := map[string]bool{}
	var out []string
	for i, ch := range text {
		if ch != '{' {
			continue
		}
		obj, ok := extractBalancedObject(text, i)
		if !ok || seen[obj] {
			continue
		}
		seen[obj] = true
		out = append(out, obj)
	}
	return out
}

var greedyObject = regexp.MustCompile(`(?s)\{.*\}`)

// salvageKeys is the fixed set of string fields the salvage path will pull
// out of badly-formed text via field-level regexes, mirroring
// _salvage_json_like_dict's field list.
var salvageKeys = []string{
	"kind", "purpose", "page_kind", "target_text", "text", "key", "url",
	"reasoning", "field_name", "field_text", "field_value", "location_description",
}

func matchString(text, key string) (string, bool) {
	re := regexp.MustCompile(`(?i)"` + regexp.QuoteMeta(key) + `"\s*:\s*"([^"]*)"`)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func matchInt(text, key string) (int, bool) {
	re := regexp.MustCompile(`(?i)"` + regexp.QuoteMeta(key) + `"\s*:\s*"?(\d+)"?`)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}

func matchBool(text, key string) (bool, bool) {
	re := regexp.MustCompile(`(?i)"` + regexp.QuoteMeta(key) + `"\s*:\s*(true|false|"true"|"false"|1|0)`)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return false, false
	}
	v := strings.Trim(m[1], `"`)
	return v == "true" || v == "1", true
}

func matchFloat(text, key string) (float64, bool) {
	re := regexp.MustCompile(`(?i)"` + regexp.QuoteMeta(key) + `"\s*:\s*(-?\d+(?:\.\d+)?)`)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// salvageJSONLikeDict scrapes a minimal {action, args, thinking} shape out
// of text too malformed for any json.Unmarshal attempt to succeed.
// Ported from _salvage_json_like_dict.
func salvageJSONLikeDict(text string) (map[string]any, bool) {
	if text == "" {
		return nil, false
	}
	action, ok := matchString(text, "action")
	if !ok || action == "" {
		return nil, false
	}

	args := map[string]any{}
	if argsStart := regexp.MustCompile(`"args"\s*:\s*\{`).FindStringIndex(text); argsStart != nil {
		if obj, ok := extractBalancedObject(text, argsStart[1]-1); ok {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(cleanupJSON(obj)), &parsed); err == nil {
				args = parsed
			}
		}
	}

	if len(args) == 0 {
		for _, k := range salvageKeys {
			if v, ok := matchString(text, k); ok {
				args[k] = v
			}
		}
		if v, ok := matchInt(text, "mark_id"); ok {
			args["mark_id"] = v
		}
		if v, ok := matchInt(text, "selected_mark_id"); ok {
			args["selected_mark_id"] = v
		}
		if v, ok := matchBool(text, "found"); ok {
			args["found"] = v
		}
		if v, ok := matchFloat(text, "confidence"); ok {
			args["confidence"] = v
		}
		if m := regexp.MustCompile(`"scroll_delta"\s*:\s*\[\s*(-?\d+)\s*,\s*(-?\d+)\s*\]`).FindStringSubmatch(text); m != nil {
			dx, _ := strconv.Atoi(m[1])
			dy, _ := strconv.Atoi(m[2])
			args["scroll_delta"] = []int{dx, dy}
		}
	}

	out := map[string]any{"action": action, "args": args}
	if thinking, ok := matchString(text, "thinking"); ok && thinking != "" {
		out["thinking"] = thinking
	}
	return out, true
}

// ParseLenient extracts the first well-formed JSON object from raw LLM
// text, tolerating markdown code fences, smart quotes, and trailing
// commas, and falling back to a best-effort field salvage when nothing
// parses cleanly. Ported from parse_json_dict_from_llm.
func ParseLenient(text string) (map[string]any, error) {
	cleaned := normalizeQuotes(stripCodeFences(text))

	for _, cand := range iterJSONCandidates(cleaned) {
		var data map[string]any
		if err := json.Unmarshal([]byte(cleanupJSON(cand)), &data); err == nil {
			return data, nil
		}
	}

	if m := greedyObject.FindString(cleaned); m != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(cleanupJSON(m)), &data); err == nil {
			return data, nil
		}
	}

	if data, ok := salvageJSONLikeDict(cleaned); ok {
		return data, nil
	}

	return nil, autoerr.NewValidation("parse_llm_json", "no parseable JSON object found in response")
}

// ProtocolMessage is the unified {action, args, thinking} envelope most
// LLM decision turns are expected to follow. Ported from
// parse_protocol_message.
type ProtocolMessage struct {
	Action   string
	Args     map[string]any
	Thinking string
}

// ParseProtocolMessage parses raw LLM text into the unified envelope.
func ParseProtocolMessage(text string) (ProtocolMessage, error) {
	data, err := ParseLenient(text)
	if err != nil {
		return ProtocolMessage{}, err
	}
	action, _ := data["action"].(string)
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		return ProtocolMessage{}, autoerr.NewValidation("parse_protocol_message", "missing action field")
	}
	args, _ := data["args"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	msg := ProtocolMessage{Action: action, Args: args}
	if thinking, ok := data["thinking"].(string); ok {
		msg.Thinking = thinking
	}
	return msg, nil
}

// Schema names the five fixed response shapes the pipeline validates LLM
// output against.
type Schema string

const (
	SchemaDecision           Schema = "decision"
	SchemaFieldValue         Schema = "field_value"
	SchemaSelectAmongN       Schema = "select_among_n"
	SchemaCommonXPath        Schema = "common_xpath"
	SchemaTaskClarification  Schema = "task_clarification"
)

var schemaDocs = map[Schema]string{
	SchemaDecision: `{
		"type": "object",
		"required": ["action"],
		"properties": {
			"action": {"type": "string"},
			"mark_id": {"type": "integer"},
			"target_text": {"type": "string"},
			"reasoning": {"type": "string"}
		}
	}`,
	SchemaFieldValue: `{
		"type": "object",
		"required": ["field_name", "value"],
		"properties": {
			"field_name": {"type": "string"},
			"value": {"type": "string"},
			"confidence": {"type": "number"}
		}
	}`,
	SchemaSelectAmongN: `{
		"type": "object",
		"required": ["selected_mark_id"],
		"properties": {
			"selected_mark_id": {"type": "integer"},
			"confidence": {"type": "number"}
		}
	}`,
	SchemaCommonXPath: `{
		"type": "object",
		"required": ["xpath_pattern"],
		"properties": {
			"xpath_pattern": {"type": "string"},
			"confidence": {"type": "number"}
		}
	}`,
	SchemaTaskClarification: `{
		"type": "object",
		"required": ["found"],
		"properties": {
			"found": {"type": "boolean"},
			"reasoning": {"type": "string"}
		}
	}`,
}

// Validate checks data (typically the Args of a ProtocolMessage, or a
// freshly lenient-parsed object) against the named schema.
func Validate(schema Schema, data map[string]any) error {
	doc, ok := schemaDocs[schema]
	if !ok {
		return fmt.Errorf("protocol: unknown schema %q", schema)
	}
	loader := gojsonschema.NewStringLoader(doc)
	docLoader := gojsonschema.NewGoLoader(data)
	result, err := gojsonschema.Validate(loader, docLoader)
	if err != nil {
		return fmt.Errorf("protocol: schema validation error: %w", err)
	}
	if !result.Valid() {
		var reasons []string
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return autoerr.NewValidation(string(schema), strings.Join(reasons, "; "))
	}
	return nil
}

package dialog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DeadlineLayout is the wall-clock format the model must use for deadline_at.
const DeadlineLayout = "2006-01-02 15:04:05"

const (
	maxTitleLength       = 255
	maxDescriptionLength = 1000
)

const envelopeSchemaJSON = `{
	"type": "object",
	"required": ["status"],
	"properties": {
		"status": {"type": "boolean"},
		"message": {"type": "string"}
	},
	"if": {"properties": {"status": {"const": false}}},
	"then": {"required": ["message"], "properties": {"message": {"minLength": 1}}}
}`

const taskRefSchemaJSON = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": ["integer", "string"], "pattern": "^\\s*[0-9]+\\s*$", "minimum": 1}
	}
}`

const createSchemaJSON = `{
	"type": "object",
	"required": ["title", "deadline_at"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"description": {"type": ["string", "null"]},
		"deadline_at": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2} [0-9]{2}:[0-9]{2}:[0-9]{2}$"}
	}
}`

const updateSchemaJSON = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": ["integer", "string"], "pattern": "^\\s*[0-9]+\\s*$", "minimum": 1},
		"title": {"type": "string", "minLength": 1},
		"description": {"type": ["string", "null"]},
		"deadline_at": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2} [0-9]{2}:[0-9]{2}:[0-9]{2}$"}
	}
}`

var (
	envelopeSchema = mustCompileSchema("urn:remindbot:envelope", envelopeSchemaJSON)
	taskRefSchema  = mustCompileSchema("urn:remindbot:task_ref", taskRefSchemaJSON)
	createSchema   = mustCompileSchema("urn:remindbot:create_task", createSchemaJSON)
	updateSchema   = mustCompileSchema("urn:remindbot:update_task", updateSchemaJSON)
)

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	return c.Compile(name)
}

func mustCompileSchema(name, schemaJSON string) *jsonschema.Schema {
	schema, err := compileSchema(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return schema
}

// schemaErrorMessage lists the failing instance locations without the
// schema URL, so the text is safe to show the model.
func schemaErrorMessage(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	var leaves []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			leaves = append(leaves, e.Error())
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return strings.Join(leaves, "; ")
}

// envelope is the structured answer of an operation prompt.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// parseEnvelope extracts and checks the envelope from a model answer. Any
// failure here means the answer is unusable, not that the payload is wrong.
func parseEnvelope(answer string) (envelope, error) {
	candidate := extractJSON(answer)
	if candidate == "" {
		return envelope{}, errors.New("answer does not contain a JSON object")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(candidate))
	if err != nil {
		return envelope{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return envelope{}, fmt.Errorf("envelope: %s", schemaErrorMessage(err))
	}
	var env envelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// payload is the data object of a completed exchange, keyed by field.
type payload struct {
	op     OperationKind
	raw    []byte
	fields map[string]json.RawMessage
}

// decodePayload normalizes data and validates it against schema. The
// camel-case alias deadlineAt is accepted for deadline_at.
func decodePayload(op OperationKind, data json.RawMessage, schema *jsonschema.Schema) (payload, error) {
	p := payload{op: op, raw: data}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return p, validationErrorf(op, data, "data is required when status is true")
	}
	if err := json.Unmarshal(trimmed, &p.fields); err != nil {
		return p, validationErrorf(op, data, "data must be an object")
	}
	if alias, ok := p.fields["deadlineAt"]; ok {
		if _, exists := p.fields["deadline_at"]; !exists {
			p.fields["deadline_at"] = alias
		}
		delete(p.fields, "deadlineAt")
	}
	normalized, err := json.Marshal(p.fields)
	if err != nil {
		return p, validationErrorf(op, data, "re-encode data: %s", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalized))
	if err != nil {
		return p, validationErrorf(op, data, "invalid JSON: %s", err)
	}
	if err := schema.Validate(doc); err != nil {
		return p, validationErrorf(op, data, "%s", schemaErrorMessage(err))
	}
	return p, nil
}

func (p payload) has(key string) bool {
	_, ok := p.fields[key]
	return ok
}

func (p payload) isNull(key string) bool {
	raw, ok := p.fields[key]
	return ok && bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// str returns the string at key, or nil when the key is absent or null.
func (p payload) str(key string) (*string, error) {
	if !p.has(key) || p.isNull(key) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(p.fields[key], &s); err != nil {
		return nil, validationErrorf(p.op, p.raw, "%s must be a string", key)
	}
	return &s, nil
}

func (p payload) title() (*string, error) {
	title, err := p.str("title")
	if err != nil || title == nil {
		return title, err
	}
	trimmed := strings.TrimSpace(*title)
	if trimmed == "" {
		return nil, validationErrorf(p.op, p.raw, "title must not be blank")
	}
	if utf8.RuneCountInString(trimmed) > maxTitleLength {
		return nil, validationErrorf(p.op, p.raw, "title must be at most %d characters", maxTitleLength)
	}
	return &trimmed, nil
}

// description returns the description and whether the model asked to clear
// it. An empty string counts as a clear.
func (p payload) description() (desc *string, clear bool, err error) {
	if p.isNull("description") {
		return nil, true, nil
	}
	desc, err = p.str("description")
	if err != nil || desc == nil {
		return nil, false, err
	}
	trimmed := strings.TrimSpace(*desc)
	if trimmed == "" {
		return nil, true, nil
	}
	if utf8.RuneCountInString(trimmed) > maxDescriptionLength {
		return nil, false, validationErrorf(p.op, p.raw, "description must be at most %d characters", maxDescriptionLength)
	}
	return &trimmed, false, nil
}

// deadline parses deadline_at as wall-clock time in loc.
func (p payload) deadline(loc *time.Location) (*time.Time, error) {
	s, err := p.str("deadline_at")
	if err != nil || s == nil {
		return nil, err
	}
	t, err := time.ParseInLocation(DeadlineLayout, strings.TrimSpace(*s), loc)
	if err != nil {
		return nil, validationErrorf(p.op, p.raw, "deadline_at %q is not a valid %s date", *s, DeadlineLayout)
	}
	return &t, nil
}

// id accepts a positive integer or a numeric string.
func (p payload) id() (int64, error) {
	raw, ok := p.fields["id"]
	if !ok {
		return 0, validationErrorf(p.op, p.raw, "id is required")
	}
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	id, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil || id <= 0 {
		return 0, validationErrorf(p.op, p.raw, "id must be a positive integer, got %s", raw)
	}
	return id, nil
}

// extractJSON finds a JSON object in a model answer. An answer or fenced
// block that is valid JSON on its own must be an object; prose around an
// object falls back to the first balanced object.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if json.Valid([]byte(candidate)) {
				return objectOrEmpty(candidate)
			}
		}
	}
	if trimmed := strings.TrimSpace(text); json.Valid([]byte(trimmed)) {
		return objectOrEmpty(trimmed)
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if candidate := extractBalanced(text[i:]); candidate != "" && isJSONObject(candidate) {
			return candidate
		}
	}
	return ""
}

func objectOrEmpty(s string) string {
	if isJSONObject(s) {
		return s
	}
	return ""
}

func isJSONObject(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var v map[string]any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the object starting at s[0] up to its matching
// closing brace, skipping braces inside strings.
func extractBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

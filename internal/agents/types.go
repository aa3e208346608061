package agents

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Assistant is the full configuration of one remote assistant as
// returned by the API. Optional scalars are pointers so that a null in
// the API response survives a snapshot round trip; tools, tool resources
// and response format are kept as decoded JSON because their shape
// varies by type. Fields the API returns that have no struct field are
// kept in Extra and written back after the known ones.
type Assistant struct {
	ID             string            `json:"id"`
	Object         string            `json:"object"`
	CreatedAt      int64             `json:"created_at"`
	Name           *string           `json:"name"`
	Description    *string           `json:"description"`
	Model          string            `json:"model"`
	Instructions   *string           `json:"instructions"`
	Tools          []map[string]any  `json:"tools"`
	ToolResources  map[string]any    `json:"tool_resources"`
	Metadata       map[string]string `json:"metadata"`
	Temperature    *float64          `json:"temperature"`
	TopP           *float64          `json:"top_p"`
	ResponseFormat any               `json:"response_format"`

	Extra map[string]json.RawMessage `json:"-"`
}

// assistantFields has the fields of Assistant without its methods
type assistantFields Assistant

// knownFields holds the JSON names of the Assistant struct fields
var knownFields = func() map[string]bool {
	known := make(map[string]bool)
	t := reflect.TypeOf(assistantFields{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			known[name] = true
		}
	}
	return known
}()

// UnmarshalJSON decodes the known fields and keeps every other key in
// Extra, compacted
func (a *Assistant) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var fields assistantFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	fields.Extra = nil
	for key, value := range raw {
		if knownFields[key] {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, value); err != nil {
			return err
		}
		if fields.Extra == nil {
			fields.Extra = make(map[string]json.RawMessage)
		}
		fields.Extra[key] = buf.Bytes()
	}

	*a = Assistant(fields)
	return nil
}

// MarshalJSON encodes the known fields in struct order followed by Extra
// in key order. HTML characters are not escaped.
func (a Assistant) MarshalJSON() ([]byte, error) {
	data, err := encodeJSON(assistantFields(a))
	if err != nil {
		return nil, err
	}
	if len(a.Extra) == 0 {
		return data, nil
	}

	keys := make([]string, 0, len(a.Extra))
	for key := range a.Extra {
		if !knownFields[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(data[:len(data)-1])
	for _, key := range keys {
		name, err := encodeJSON(key)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		if value := a.Extra[key]; len(value) > 0 {
			buf.Write(value)
		} else {
			buf.WriteString("null")
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// InstructionsText returns the instructions or an empty string when the
// assistant has none.
func (a *Assistant) InstructionsText() string {
	if a == nil || a.Instructions == nil {
		return ""
	}
	return *a.Instructions
}

// Summary is one entry of the assistant listing
type Summary struct {
	ID        string
	Name      string
	Model     string
	CreatedAt time.Time
}

// Message is one message of a conversation thread
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Run is the status of an assistant run on a thread
type Run struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

// Terminal reports whether the run has stopped and will not change again
func (r *Run) Terminal() bool {
	switch r.Status {
	case "completed", "failed", "cancelled", "expired", "incomplete":
		return true
	default:
		return false
	}
}

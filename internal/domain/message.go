package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one unit of conversation content.
type Message struct {
	Source   string         `json:"source"`
	Content  Content        `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MetadataType returns the semantic type tag of the message, if any.
func (m Message) MetadataType() string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata[MetadataTypeKey].(string); ok {
		return v
	}
	return ""
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	out := Message{
		Source:  m.Source,
		Content: m.Content.Clone(),
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// FunctionCall is a tool invocation requested by an agent.
type FunctionCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// FunctionResult is the outcome of a FunctionCall.
type FunctionResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Part is one element of multimodal content: either text or an image object.
type Part struct {
	Text  string
	Image json.RawMessage
}

// IsImage reports whether the part carries an image payload.
func (p Part) IsImage() bool {
	return len(p.Image) > 0
}

// Content is either plain text or one structured variant.
// At most one of Calls, Results and Parts is non-nil; when all are nil the
// content is plain text.
type Content struct {
	Text    string
	Calls   []FunctionCall
	Results []FunctionResult
	Parts   []Part
}

// TextContent returns plain text content.
func TextContent(s string) Content {
	return Content{Text: s}
}

// IsText reports whether the content is plain text.
func (c Content) IsText() bool {
	return c.Calls == nil && c.Results == nil && c.Parts == nil
}

// Summary renders the content as a single line of text for display.
func (c Content) Summary() string {
	switch {
	case c.Calls != nil:
		parts := make([]string, 0, len(c.Calls))
		for _, call := range c.Calls {
			parts = append(parts, fmt.Sprintf("%s(%s)", call.Name, call.Arguments))
		}
		return strings.Join(parts, "; ")
	case c.Results != nil:
		parts := make([]string, 0, len(c.Results))
		for _, r := range c.Results {
			parts = append(parts, r.Content)
		}
		return strings.Join(parts, "; ")
	case c.Parts != nil:
		parts := make([]string, 0, len(c.Parts))
		for _, p := range c.Parts {
			if p.IsImage() {
				parts = append(parts, "[image]")
				continue
			}
			parts = append(parts, p.Text)
		}
		return strings.Join(parts, " ")
	}
	return c.Text
}

// Clone returns a deep copy of c.
func (c Content) Clone() Content {
	out := Content{Text: c.Text}
	if c.Calls != nil {
		out.Calls = append([]FunctionCall{}, c.Calls...)
	}
	if c.Results != nil {
		out.Results = append([]FunctionResult{}, c.Results...)
	}
	if c.Parts != nil {
		out.Parts = make([]Part, len(c.Parts))
		for i, p := range c.Parts {
			out.Parts[i] = Part{Text: p.Text}
			if p.Image != nil {
				out.Parts[i].Image = append(json.RawMessage{}, p.Image...)
			}
		}
	}
	return out
}

// MarshalJSON encodes text as a JSON string and structured variants as arrays.
func (c Content) MarshalJSON() ([]byte, error) {
	switch {
	case c.Calls != nil:
		return json.Marshal(c.Calls)
	case c.Results != nil:
		return json.Marshal(c.Results)
	case c.Parts != nil:
		items := make([]json.RawMessage, 0, len(c.Parts))
		for _, p := range c.Parts {
			if p.IsImage() {
				items = append(items, p.Image)
				continue
			}
			b, err := json.Marshal(p.Text)
			if err != nil {
				return nil, err
			}
			items = append(items, b)
		}
		return json.Marshal(items)
	default:
		return json.Marshal(c.Text)
	}
}

// UnmarshalJSON accepts a string or an array of calls, results or parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	*c = Content{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '"':
		return json.Unmarshal(data, &c.Text)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		return c.decodeItems(items)
	default:
		return fmt.Errorf("content must be a string or an array, got %q", data[:1])
	}
}

func (c *Content) decodeItems(items []json.RawMessage) error {
	if len(items) == 0 {
		c.Parts = []Part{}
		return nil
	}
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				return err
			}
			c.Parts = append(c.Parts, Part{Text: s})
			continue
		}

		var keys map[string]json.RawMessage
		if err := json.Unmarshal(item, &keys); err != nil {
			return fmt.Errorf("content item: %w", err)
		}
		_, hasCallID := keys["call_id"]
		_, hasName := keys["name"]
		_, hasArgs := keys["arguments"]
		switch {
		case hasCallID:
			var r FunctionResult
			if err := json.Unmarshal(item, &r); err != nil {
				return fmt.Errorf("function result: %w", err)
			}
			c.Results = append(c.Results, r)
		case hasName && hasArgs:
			var fc FunctionCall
			if err := json.Unmarshal(item, &fc); err != nil {
				return fmt.Errorf("function call: %w", err)
			}
			c.Calls = append(c.Calls, fc)
		default:
			c.Parts = append(c.Parts, Part{Image: append(json.RawMessage{}, item...)})
		}
	}

	// The backend never mixes variants; if it does, calls win over results and results over parts.
	switch {
	case c.Calls != nil:
		c.Results, c.Parts = nil, nil
	case c.Results != nil:
		c.Parts = nil
	}
	return nil
}

package cache

import (
	"encoding/json"

	"github.com/xiaot623/gogo/runsync/internal/domain"
)

const imageOmitted = "[image omitted]"

// Bound returns a copy of run holding at most maxMessages of the most recent
// messages, with every content string capped at maxContent characters and
// oversized metadata values dropped.
func Bound(run *domain.Run, maxMessages, maxContent int) *domain.Run {
	out := run.Clone()
	if maxMessages > 0 && len(out.Messages) > maxMessages {
		out.Messages = out.Messages[len(out.Messages)-maxMessages:]
	}
	if maxContent <= 0 {
		return out
	}
	for i := range out.Messages {
		boundMessage(&out.Messages[i], maxContent)
	}
	return out
}

func boundMessage(m *domain.Message, maxContent int) {
	c := &m.Content
	c.Text = truncate(c.Text, maxContent)
	for i := range c.Calls {
		c.Calls[i].Arguments = truncate(c.Calls[i].Arguments, maxContent)
	}
	for i := range c.Results {
		c.Results[i].Content = truncate(c.Results[i].Content, maxContent)
	}
	for i := range c.Parts {
		p := &c.Parts[i]
		if p.IsImage() {
			if len(p.Image) > maxContent {
				*p = domain.Part{Text: imageOmitted}
			}
			continue
		}
		p.Text = truncate(p.Text, maxContent)
	}

	for k, v := range m.Metadata {
		if s, ok := v.(string); ok {
			if len([]rune(s)) > maxContent {
				delete(m.Metadata, k)
			}
			continue
		}
		b, err := json.Marshal(v)
		if err != nil || len(b) > maxContent {
			delete(m.Metadata, k)
		}
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + TruncationMarker
}

// Package protocol defines the WebSocket envelopes exchanged with the run backend.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/runsync/internal/apperr"
	"github.com/xiaot623/gogo/runsync/internal/domain"
)

// Message types from backend to client
const (
	TypeMessage      = "message"
	TypeMessageChunk = "message_chunk"
	TypeInputRequest = "input_request"
	TypeSystem       = "system"
	TypeResult       = "result"
	TypeCompletion   = "completion"
	TypeError        = "error"
)

// Event is one inbound protocol event. The set of implementations is closed.
type Event interface {
	EventType() string
	isEvent()
}

// MessageEvent carries a complete message.
type MessageEvent struct {
	Message domain.Message
}

// MessageChunkEvent carries a streamed fragment of the tail message.
type MessageChunkEvent struct {
	Source   string
	Content  string
	Metadata map[string]any
}

// InputRequestEvent asks the user for free text or an approval.
type InputRequestEvent struct {
	InputType domain.InputType
	Prompt    string
}

// SystemEvent carries a status update that is applied verbatim.
type SystemEvent struct {
	Status domain.RunStatus
}

// ResultEvent terminates the run. Type is either "result" or "completion".
type ResultEvent struct {
	Type   string
	Status string
	Data   json.RawMessage
}

// ErrorEvent signals a backend or transport failure.
type ErrorEvent struct {
	Message string
}

func (MessageEvent) EventType() string      { return TypeMessage }
func (MessageChunkEvent) EventType() string { return TypeMessageChunk }
func (InputRequestEvent) EventType() string { return TypeInputRequest }
func (SystemEvent) EventType() string       { return TypeSystem }
func (e ResultEvent) EventType() string     { return e.Type }
func (ErrorEvent) EventType() string        { return TypeError }

func (MessageEvent) isEvent()      {}
func (MessageChunkEvent) isEvent() {}
func (InputRequestEvent) isEvent() {}
func (SystemEvent) isEvent()       {}
func (ResultEvent) isEvent()       {}
func (ErrorEvent) isEvent()        {}

// rawEvent is used for parsing incoming envelopes before type dispatch.
type rawEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Status    *string         `json:"status,omitempty"`
	InputType *string         `json:"input_type,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type messageData struct {
	Source   *string         `json:"source"`
	Content  json.RawMessage `json:"content"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

type chunkData struct {
	Source   *string        `json:"source"`
	Content  *string        `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Parse decodes one inbound envelope into its Event variant. Any envelope that
// does not match a variant's required shape yields an error matching
// apperr.ErrMalformedEvent.
func Parse(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperr.Malformed("", err)
	}

	switch raw.Type {
	case TypeMessage:
		return parseMessage(raw)
	case TypeMessageChunk:
		return parseChunk(raw)
	case TypeInputRequest:
		return parseInputRequest(raw)
	case TypeSystem:
		if raw.Status == nil || *raw.Status == "" {
			return nil, apperr.Malformed(raw.Type, errors.New("status is required"))
		}
		return SystemEvent{Status: domain.RunStatus(*raw.Status)}, nil
	case TypeResult, TypeCompletion:
		ev := ResultEvent{Type: raw.Type, Data: raw.Data}
		if raw.Status != nil {
			ev.Status = *raw.Status
		}
		return ev, nil
	case TypeError:
		msg := raw.Error
		if msg == "" {
			msg = raw.Message
		}
		return ErrorEvent{Message: msg}, nil
	case "":
		return nil, apperr.Malformed("", errors.New("type is required"))
	default:
		return nil, apperr.Malformed(raw.Type, errors.New("unknown event type"))
	}
}

func parseMessage(raw rawEvent) (Event, error) {
	if len(bytes.TrimSpace(raw.Data)) == 0 {
		return nil, apperr.Malformed(raw.Type, errors.New("data is required"))
	}
	var md messageData
	if err := json.Unmarshal(raw.Data, &md); err != nil {
		return nil, apperr.Malformed(raw.Type, err)
	}
	if md.Source == nil {
		return nil, apperr.Malformed(raw.Type, errors.New("data.source is required"))
	}
	if md.Content == nil {
		return nil, apperr.Malformed(raw.Type, errors.New("data.content is required"))
	}
	var content domain.Content
	if err := json.Unmarshal(md.Content, &content); err != nil {
		return nil, apperr.Malformed(raw.Type, fmt.Errorf("data.content: %w", err))
	}
	return MessageEvent{Message: domain.Message{
		Source:   *md.Source,
		Content:  content,
		Metadata: md.Metadata,
	}}, nil
}

func parseChunk(raw rawEvent) (Event, error) {
	if len(bytes.TrimSpace(raw.Data)) == 0 {
		return nil, apperr.Malformed(raw.Type, errors.New("data is required"))
	}
	var cd chunkData
	if err := json.Unmarshal(raw.Data, &cd); err != nil {
		return nil, apperr.Malformed(raw.Type, err)
	}
	if cd.Source == nil {
		return nil, apperr.Malformed(raw.Type, errors.New("data.source is required"))
	}
	if cd.Content == nil {
		return nil, apperr.Malformed(raw.Type, errors.New("data.content is required"))
	}
	return MessageChunkEvent{Source: *cd.Source, Content: *cd.Content, Metadata: cd.Metadata}, nil
}

func parseInputRequest(raw rawEvent) (Event, error) {
	if raw.InputType == nil {
		return InputRequestEvent{InputType: domain.InputTypeTextInput}, nil
	}
	switch domain.InputType(*raw.InputType) {
	case domain.InputTypeTextInput:
		return InputRequestEvent{InputType: domain.InputTypeTextInput}, nil
	case domain.InputTypeApproval:
		return InputRequestEvent{InputType: domain.InputTypeApproval, Prompt: raw.Prompt}, nil
	default:
		return nil, apperr.Malformed(raw.Type, fmt.Errorf("unknown input_type %q", *raw.InputType))
	}
}

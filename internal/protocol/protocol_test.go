package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runsync/internal/apperr"
	"github.com/xiaot623/gogo/runsync/internal/domain"
)

func TestParseVariants(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Event
	}{
		{
			name:  "message",
			input: `{"type":"message","data":{"source":"assistant","content":"hi","metadata":{"type":"plan"}}}`,
			want: MessageEvent{Message: domain.Message{
				Source:   "assistant",
				Content:  domain.TextContent("hi"),
				Metadata: map[string]any{"type": "plan"},
			}},
		},
		{
			name:  "chunk",
			input: `{"type":"message_chunk","data":{"source":"assistant","content":"ld"}}`,
			want:  MessageChunkEvent{Source: "assistant", Content: "ld"},
		},
		{
			name:  "approval request",
			input: `{"type":"input_request","input_type":"approval","prompt":"Run the plan?"}`,
			want:  InputRequestEvent{InputType: domain.InputTypeApproval, Prompt: "Run the plan?"},
		},
		{
			name:  "null input type",
			input: `{"type":"input_request","input_type":null}`,
			want:  InputRequestEvent{InputType: domain.InputTypeTextInput},
		},
		{
			name:  "system",
			input: `{"type":"system","status":"paused"}`,
			want:  SystemEvent{Status: domain.RunStatusPaused},
		},
		{
			name:  "completion",
			input: `{"type":"completion","status":"complete"}`,
			want:  ResultEvent{Type: TypeCompletion, Status: "complete"},
		},
		{
			name:  "error",
			input: `{"type":"error","error":"backend exploded"}`,
			want:  ErrorEvent{Message: "backend exploded"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseResultKeepsData(t *testing.T) {
	ev, err := Parse([]byte(`{"type":"result","status":"complete","data":{"task_result":{},"usage":"","duration":2}}`))
	require.NoError(t, err)
	res, ok := ev.(ResultEvent)
	require.True(t, ok)
	assert.Equal(t, TypeResult, res.EventType())
	assert.JSONEq(t, `{"task_result":{},"usage":"","duration":2}`, string(res.Data))
}

func TestParseRejectsMalformed(t *testing.T) {
	inputs := []string{
		`not json`,
		`{}`,
		`{"type":"telemetry"}`,
		`{"type":"message"}`,
		`{"type":"message","data":{"content":"no source"}}`,
		`{"type":"message","data":{"source":"a","content":7}}`,
		`{"type":"message_chunk","data":{"source":"a"}}`,
		`{"type":"system"}`,
		`{"type":"input_request","input_type":"multiple_choice"}`,
	}
	for _, in := range inputs {
		_, err := Parse([]byte(in))
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, apperr.ErrMalformedEvent), in)
	}
}

func TestStartCommandEncoding(t *testing.T) {
	cmd, err := NewStart(TaskPayload{Content: "find flights"}, nil, nil, json.RawMessage(`{"name":"team"}`), nil)
	require.NoError(t, err)

	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"start",
		"task":"{\"content\":\"find flights\"}",
		"files":[],
		"team_config":{"name":"team"},
		"settings_config":null
	}`, string(b))
}

func TestInputResponseEncoding(t *testing.T) {
	cmd, err := NewInputResponse(InputResponsePayload{Accepted: true, Content: "approve"})
	require.NoError(t, err)
	assert.Equal(t, TypeInputResponse, cmd.CommandType())

	var inner map[string]any
	require.NoError(t, json.Unmarshal([]byte(cmd.Response), &inner))
	assert.Equal(t, map[string]any{"accepted": true, "content": "approve"}, inner)
}

func TestContinueCommand(t *testing.T) {
	b, err := json.Marshal(NewContinue(json.RawMessage(`{"t":1}`), json.RawMessage(`{"s":2}`)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"continue","task":"continue","team_config":{"t":1},"settings_config":{"s":2}}`, string(b))
}

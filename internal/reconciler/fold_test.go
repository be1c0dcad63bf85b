package reconciler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runsync/internal/domain"
	"github.com/xiaot623/gogo/runsync/internal/protocol"
)

func textMessage(source, text string) domain.Message {
	return domain.Message{Source: source, Content: domain.TextContent(text)}
}

func messageEvent(source, text string) protocol.MessageEvent {
	return protocol.MessageEvent{Message: textMessage(source, text)}
}

func chunkEvent(source, text string) protocol.MessageChunkEvent {
	return protocol.MessageChunkEvent{Source: source, Content: text}
}

func TestApplyChunkThenRedeliveredMessage(t *testing.T) {
	run := &domain.Run{ID: "r1", Status: domain.RunStatusActive, Messages: []domain.Message{
		textMessage("assistant", "Hello wor"),
	}}
	st := &State{}
	p := DefaultPolicy()

	run, out := Apply(run, st, chunkEvent("assistant", "ld"), p)
	assert.True(t, out.Changed)
	require.NotNil(t, st.LastStreamed)
	assert.Equal(t, Streamed{Source: "assistant", Content: "Hello world"}, *st.LastStreamed)

	after, out := Apply(run, st, messageEvent("assistant", "Hello world"), p)
	assert.True(t, out.Duplicate)
	assert.False(t, out.Changed)
	assert.Same(t, run, after)
	require.Len(t, after.Messages, 1)
	assert.Equal(t, "Hello world", after.Messages[0].Content.Text)
	assert.Nil(t, st.LastStreamed, "marker is consumed by the message event")
}

func TestApplyChunksConcatenate(t *testing.T) {
	run := &domain.Run{ID: "r1", Status: domain.RunStatusActive}
	st := &State{}
	p := DefaultPolicy()

	run, out := Apply(run, st, messageEvent("assistant", ""), p)
	require.True(t, out.Changed)

	var seen []string
	for _, c := range []string{"A", "B", "C"} {
		run, out = Apply(run, st, chunkEvent("assistant", c), p)
		require.True(t, out.Changed)
		seen = append(seen, run.LastMessage().Content.Text)
	}

	require.Len(t, run.Messages, 1)
	assert.Equal(t, "ABC", run.Messages[0].Content.Text)
	assert.Equal(t, []string{"A", "AB", "ABC"}, seen)
}

func TestApplyChunkFromOtherSourceStartsNewMessage(t *testing.T) {
	run := &domain.Run{Messages: []domain.Message{textMessage("user", "do it")}}
	st := &State{}

	next, _ := Apply(run, st, chunkEvent("planner", "step 1"), DefaultPolicy())
	require.Len(t, next.Messages, 2)
	assert.Equal(t, "planner", next.Messages[1].Source)
	assert.Equal(t, "step 1", next.Messages[1].Content.Text)
	assert.Equal(t, "do it", next.Messages[0].Content.Text)
}

func TestApplyStreamingSourceContinuesAgentMessage(t *testing.T) {
	run := &domain.Run{Messages: []domain.Message{textMessage("web_surfer", "Opening ")}}
	st := &State{}

	next, _ := Apply(run, st, chunkEvent("assistant", "page"), DefaultPolicy())
	require.Len(t, next.Messages, 1)
	assert.Equal(t, "Opening page", next.Messages[0].Content.Text)
	assert.Equal(t, "web_surfer", next.Messages[0].Source)
}

func TestApplyChunkExtendsStreamingSourceTail(t *testing.T) {
	run := &domain.Run{Messages: []domain.Message{textMessage("assistant", "Plan: ")}}
	st := &State{}

	next, _ := Apply(run, st, chunkEvent("planner", "step 1"), DefaultPolicy())
	require.Len(t, next.Messages, 1)
	assert.Equal(t, "Plan: step 1", next.Messages[0].Content.Text)
	assert.Equal(t, "assistant", next.Messages[0].Source)

	next, _ = Apply(next, st, chunkEvent("user", "hi"), DefaultPolicy())
	require.Len(t, next.Messages, 2)
	assert.Equal(t, "user", next.Messages[1].Source)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	run := &domain.Run{ID: "r1", Status: domain.RunStatusActive, Messages: []domain.Message{
		textMessage("assistant", "Hi"),
	}}
	st := &State{}

	next, _ := Apply(run, st, chunkEvent("assistant", " there"), DefaultPolicy())
	assert.Equal(t, "Hi there", next.Messages[0].Content.Text)
	assert.Equal(t, "Hi", run.Messages[0].Content.Text)

	next, _ = Apply(run, st, protocol.SystemEvent{Status: domain.RunStatusPaused}, DefaultPolicy())
	assert.Equal(t, domain.RunStatusPaused, next.Status)
	assert.Equal(t, domain.RunStatusActive, run.Status)
}

func TestApplyMessageFromDifferentSourceIsAppended(t *testing.T) {
	run := &domain.Run{Messages: []domain.Message{textMessage("user", "hello")}}
	next, out := Apply(run, &State{}, messageEvent("assistant", "hello"), DefaultPolicy())
	assert.True(t, out.Changed)
	assert.Len(t, next.Messages, 2)
}

func TestApplyStructuredMessagesAreNeverDuplicates(t *testing.T) {
	calls := domain.Content{Calls: []domain.FunctionCall{{ID: "c1", Name: "search", Arguments: "{}"}}}
	run := &domain.Run{Messages: []domain.Message{{Source: "assistant", Content: calls}}}

	next, out := Apply(run, &State{}, protocol.MessageEvent{Message: domain.Message{Source: "assistant", Content: calls}}, DefaultPolicy())
	assert.True(t, out.Changed)
	assert.Len(t, next.Messages, 2)
}

// Current behavior: a short message contained in the previous one is dropped.
func TestApplySuppressesContainedShortMessage(t *testing.T) {
	run := &domain.Run{Messages: []domain.Message{textMessage("assistant", "OK, proceeding.")}}

	next, out := Apply(run, &State{}, messageEvent("assistant", "OK"), DefaultPolicy())
	assert.True(t, out.Duplicate)
	assert.Len(t, next.Messages, 1)

	exact := Policy{StreamingSource: "assistant", IsDuplicate: func(a, b string) bool { return a == b }}
	next, out = Apply(run, &State{}, messageEvent("assistant", "OK"), exact)
	assert.False(t, out.Duplicate)
	assert.Len(t, next.Messages, 2)
}

func TestMutualContainment(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"Hello world", "Hello world", true},
		{" Hello world\n", "Hello world", true},
		{"Hello wor", "Hello world", true},
		{"Hello world", "world", true},
		{"Hello", "Goodbye", false},
		{"", "", false},
		{"   ", "anything", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MutualContainment(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestApplyInputRequest(t *testing.T) {
	run := &domain.Run{Status: domain.RunStatusActive}

	next, out := Apply(run, &State{}, protocol.InputRequestEvent{InputType: domain.InputTypeApproval, Prompt: "Proceed?"}, DefaultPolicy())
	assert.True(t, out.InputRequested)
	assert.Equal(t, domain.RunStatusAwaitingInput, next.Status)
	assert.Equal(t, &domain.InputRequest{Type: domain.InputTypeApproval, Prompt: "Proceed?"}, next.InputRequest)

	next, _ = Apply(run, &State{}, protocol.InputRequestEvent{InputType: domain.InputTypeTextInput, Prompt: "ignored"}, DefaultPolicy())
	assert.Equal(t, &domain.InputRequest{Type: domain.InputTypeTextInput}, next.InputRequest)
}

func TestApplySystemPassesStatusThrough(t *testing.T) {
	run := &domain.Run{Status: domain.RunStatusAwaitingInput, InputRequest: &domain.InputRequest{Type: domain.InputTypeTextInput}}

	next, out := Apply(run, &State{}, protocol.SystemEvent{Status: domain.RunStatusActive}, DefaultPolicy())
	assert.True(t, out.Changed)
	assert.True(t, out.Finalized)
	assert.Equal(t, domain.RunStatusActive, next.Status)
	assert.Nil(t, next.InputRequest)

	same, out := Apply(next, &State{}, protocol.SystemEvent{Status: domain.RunStatusActive}, DefaultPolicy())
	assert.False(t, out.Changed)
	assert.Same(t, next, same)
}

func TestApplyResult(t *testing.T) {
	teamResult := json.RawMessage(`{"task_result":{"messages":[]},"usage":"","duration":3.5}`)
	tests := []struct {
		name       string
		event      protocol.ResultEvent
		wantStatus domain.RunStatus
		wantResult bool
	}{
		{"complete with team result", protocol.ResultEvent{Type: "result", Status: "complete", Data: teamResult}, domain.RunStatusComplete, true},
		{"error", protocol.ResultEvent{Type: "completion", Status: "error"}, domain.RunStatusError, false},
		{"cancelled maps to stopped", protocol.ResultEvent{Type: "completion", Status: "cancelled"}, domain.RunStatusStopped, false},
		{"missing status maps to stopped", protocol.ResultEvent{Type: "result"}, domain.RunStatusStopped, false},
		{"partial payload is not a team result", protocol.ResultEvent{Type: "result", Status: "complete", Data: json.RawMessage(`{"task_result":{}}`)}, domain.RunStatusComplete, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := &domain.Run{Status: domain.RunStatusActive}
			next, out := Apply(run, &State{}, tt.event, DefaultPolicy())
			assert.True(t, out.Release)
			assert.True(t, out.Changed)
			assert.Equal(t, tt.wantStatus, next.Status)
			if tt.wantResult {
				require.NotNil(t, next.TeamResult)
				assert.Equal(t, 3.5, next.TeamResult.Duration)
			} else {
				assert.Nil(t, next.TeamResult)
			}
		})
	}
}

func TestApplyErrorLeavesRunUnchanged(t *testing.T) {
	run := &domain.Run{Status: domain.RunStatusActive}
	next, out := Apply(run, &State{}, protocol.ErrorEvent{Message: "boom"}, DefaultPolicy())
	assert.Same(t, run, next)
	assert.False(t, out.Changed)
	assert.True(t, out.Release)
	assert.Equal(t, "boom", out.ErrorMessage)
}

func TestApplyWithoutRun(t *testing.T) {
	next, out := Apply(nil, &State{}, messageEvent("assistant", "hi"), DefaultPolicy())
	assert.Nil(t, next)
	assert.False(t, out.Changed)
}

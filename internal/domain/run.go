package domain

import (
	"bytes"
	"encoding/json"
)

// Run represents one execution attempt tied to a session.
type Run struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id,omitempty"`
	Status       RunStatus     `json:"status"`
	Messages     []Message     `json:"messages"`
	InputRequest *InputRequest `json:"input_request,omitempty"`
	TeamResult   *TeamResult   `json:"team_result,omitempty"`
}

// InputRequest describes what the backend is waiting for while a run is
// awaiting input.
type InputRequest struct {
	Type   InputType `json:"input_type"`
	Prompt string    `json:"prompt,omitempty"`
}

// TeamResult is the terminal payload attached on completion.
type TeamResult struct {
	TaskResult json.RawMessage `json:"task_result"`
	Usage      json.RawMessage `json:"usage"`
	Duration   float64         `json:"duration"`
}

// ParseTeamResult returns a TeamResult when data structurally matches the
// team result shape (task_result, usage and duration all present).
func ParseTeamResult(data json.RawMessage) (*TeamResult, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, false
	}
	for _, key := range []string{"task_result", "usage", "duration"} {
		if _, ok := fields[key]; !ok {
			return nil, false
		}
	}
	var result TeamResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false
	}
	return &result, true
}

// LastMessage returns a pointer to the tail message, or nil.
func (r *Run) LastMessage() *Message {
	if r == nil || len(r.Messages) == 0 {
		return nil
	}
	return &r.Messages[len(r.Messages)-1]
}

// SetStatus updates the status and keeps InputRequest consistent with it.
func (r *Run) SetStatus(status RunStatus) {
	r.Status = status
	if status != RunStatusAwaitingInput {
		r.InputRequest = nil
	}
}

// ObservedStatus projects awaiting_input onto final_answer_awaiting_input
// when one of the last two messages is a final answer.
func (r *Run) ObservedStatus() RunStatus {
	if r == nil {
		return ""
	}
	if r.Status != RunStatusAwaitingInput {
		return r.Status
	}
	n := len(r.Messages)
	for i := n - 1; i >= 0 && i >= n-2; i-- {
		if r.Messages[i].MetadataType() == MetadataTypeFinalAnswer {
			return RunStatusFinalAnswerAwaitingInput
		}
	}
	return r.Status
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := &Run{
		ID:        r.ID,
		SessionID: r.SessionID,
		Status:    r.Status,
	}
	if r.Messages != nil {
		out.Messages = make([]Message, len(r.Messages))
		for i, m := range r.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	if r.InputRequest != nil {
		req := *r.InputRequest
		out.InputRequest = &req
	}
	if r.TeamResult != nil {
		tr := TeamResult{
			TaskResult: append(json.RawMessage(nil), r.TeamResult.TaskResult...),
			Usage:      append(json.RawMessage(nil), r.TeamResult.Usage...),
			Duration:   r.TeamResult.Duration,
		}
		out.TeamResult = &tr
	}
	return out
}

// Package domain defines the run and message models reconciled by the client.
package domain

// RunStatus represents the status of a run as reported by the backend.
type RunStatus string

const (
	RunStatusConnected     RunStatus = "connected"
	RunStatusActive        RunStatus = "active"
	RunStatusAwaitingInput RunStatus = "awaiting_input"
	RunStatusPaused        RunStatus = "paused"
	RunStatusPausing       RunStatus = "pausing"
	RunStatusStopped       RunStatus = "stopped"
	RunStatusComplete      RunStatus = "complete"
	RunStatusError         RunStatus = "error"

	// RunStatusFinalAnswerAwaitingInput is an observation-only projection of
	// RunStatusAwaitingInput and is never stored on a Run.
	RunStatusFinalAnswerAwaitingInput RunStatus = "final_answer_awaiting_input"
)

// IsTerminal reports whether no further transitions are expected for the run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusStopped, RunStatusComplete, RunStatusError:
		return true
	}
	return false
}

// InputType discriminates the kind of input the backend is waiting for.
type InputType string

const (
	InputTypeTextInput InputType = "text_input"
	InputTypeApproval  InputType = "approval"
)

// Well-known message sources.
const (
	SourceUser      = "user"
	SourceAssistant = "assistant"
)

// Metadata type tags consulted by the client.
const (
	MetadataTypeKey         = "type"
	MetadataTypeFinalAnswer = "final_answer"
)

// Package reconciler folds inbound run events into the session's Run and
// keeps the session cache and connection registry in step with it.
package reconciler

import (
	"strings"

	"github.com/xiaot623/gogo/runsync/internal/domain"
	"github.com/xiaot623/gogo/runsync/internal/protocol"
)

// Streamed records the text accumulated by the most recent chunk sequence.
type Streamed struct {
	Source  string
	Content string
}

// State is the per-session working memory the fold needs besides the Run.
type State struct {
	// LastStreamed is set by message_chunk and consumed by the next message.
	LastStreamed *Streamed
}

// Policy tunes message matching.
type Policy struct {
	// StreamingSource names a producer whose chunks and messages continue
	// whichever non-user message is currently at the tail.
	StreamingSource string
	// IsDuplicate decides whether an incoming message text repeats a text
	// that was already assembled.
	IsDuplicate func(existing, incoming string) bool
}

// DefaultPolicy uses MutualContainment with "assistant" as the streaming source.
func DefaultPolicy() Policy {
	return Policy{
		StreamingSource: domain.SourceAssistant,
		IsDuplicate:     MutualContainment,
	}
}

// MutualContainment treats two texts as the same logical message when, after
// trimming, they are equal or either contains the other. Empty texts never
// match.
//
// This suppresses a short message that is a substring of the previous one,
// e.g. "OK" after a streamed "OK, proceeding.".
func MutualContainment(existing, incoming string) bool {
	a := strings.TrimSpace(existing)
	b := strings.TrimSpace(incoming)
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

// Outcome reports what applying an event did.
type Outcome struct {
	Changed   bool
	Duplicate bool
	// Release asks for the session's transport to be closed.
	Release bool
	// InputRequested is set when the run started waiting for input.
	InputRequested bool
	// Finalized is set when the event carries an authoritative status.
	Finalized bool
	// ErrorMessage is the text of an error event.
	ErrorMessage string
}

// Apply folds ev into run and returns the resulting run. The input run is
// never modified; when nothing changes the same pointer is returned. st is
// updated in place.
func Apply(run *domain.Run, st *State, ev protocol.Event, p Policy) (*domain.Run, Outcome) {
	if p.IsDuplicate == nil {
		p.IsDuplicate = MutualContainment
	}
	if run == nil {
		return nil, Outcome{}
	}

	switch e := ev.(type) {
	case protocol.MessageEvent:
		return applyMessage(run, st, e, p)
	case protocol.MessageChunkEvent:
		return applyChunk(run, st, e, p)
	case protocol.InputRequestEvent:
		next := shallow(run)
		req := &domain.InputRequest{Type: e.InputType}
		if e.InputType == domain.InputTypeApproval {
			req.Prompt = e.Prompt
		}
		next.Status = domain.RunStatusAwaitingInput
		next.InputRequest = req
		return next, Outcome{Changed: true, InputRequested: true}
	case protocol.SystemEvent:
		if run.Status == e.Status {
			return run, Outcome{Finalized: true}
		}
		next := shallow(run)
		next.SetStatus(e.Status)
		return next, Outcome{Changed: true, Finalized: true}
	case protocol.ResultEvent:
		next := shallow(run)
		next.SetStatus(resultStatus(e.Status))
		next.TeamResult = nil
		if tr, ok := domain.ParseTeamResult(e.Data); ok {
			next.TeamResult = tr
		}
		return next, Outcome{Changed: true, Release: true, Finalized: true}
	case protocol.ErrorEvent:
		return run, Outcome{Release: true, ErrorMessage: e.Message}
	}
	return run, Outcome{}
}

func resultStatus(s string) domain.RunStatus {
	switch s {
	case string(domain.RunStatusComplete):
		return domain.RunStatusComplete
	case string(domain.RunStatusError):
		return domain.RunStatusError
	default:
		return domain.RunStatusStopped
	}
}

func applyMessage(run *domain.Run, st *State, e protocol.MessageEvent, p Policy) (*domain.Run, Outcome) {
	streamed := st.LastStreamed
	st.LastStreamed = nil

	if e.Message.Content.IsText() {
		incoming := e.Message.Content.Text
		if last := run.LastMessage(); last != nil && last.Content.IsText() &&
			p.continues(last.Source, e.Message.Source) && p.IsDuplicate(last.Content.Text, incoming) {
			return run, Outcome{Duplicate: true}
		}
		if streamed != nil && p.continues(streamed.Source, e.Message.Source) && p.IsDuplicate(streamed.Content, incoming) {
			return run, Outcome{Duplicate: true}
		}
	}

	next := shallow(run)
	next.Messages = append(next.Messages, e.Message.Clone())
	return next, Outcome{Changed: true}
}

func applyChunk(run *domain.Run, st *State, e protocol.MessageChunkEvent, p Policy) (*domain.Run, Outcome) {
	next := shallow(run)
	last := next.LastMessage()
	if last != nil && last.Content.IsText() && p.continues(last.Source, e.Source) {
		tail := last.Clone()
		tail.Content.Text += e.Content
		if tail.Metadata == nil && len(e.Metadata) > 0 {
			tail.Metadata = copyMetadata(e.Metadata)
		}
		next.Messages[len(next.Messages)-1] = tail
	} else {
		next.Messages = append(next.Messages, domain.Message{
			Source:   e.Source,
			Content:  domain.TextContent(e.Content),
			Metadata: copyMetadata(e.Metadata),
		})
	}

	tail := next.LastMessage()
	st.LastStreamed = &Streamed{Source: tail.Source, Content: tail.Content.Text}
	return next, Outcome{Changed: true}
}

// continues reports whether output from source extends a message produced by
// tailSource. A streaming-source tail is extended by any agent, and a
// streaming-source producer extends any agent tail; user messages never take
// part in either.
func (p Policy) continues(tailSource, source string) bool {
	if tailSource == source {
		return true
	}
	if p.StreamingSource == "" || tailSource == domain.SourceUser || source == domain.SourceUser {
		return false
	}
	return tailSource == p.StreamingSource || source == p.StreamingSource
}

// shallow copies the run and its message slice. Messages other than the tail
// are immutable, so they are shared.
func shallow(run *domain.Run) *domain.Run {
	next := *run
	next.Messages = append([]domain.Message(nil), run.Messages...)
	return &next
}

func copyMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

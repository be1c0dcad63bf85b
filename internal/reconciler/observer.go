package reconciler

import "github.com/xiaot623/gogo/runsync/internal/domain"

// NoticeKind classifies user-visible notices.
type NoticeKind string

const (
	NoticeReconnecting    NoticeKind = "reconnecting"
	NoticeTransportError  NoticeKind = "transport_error"
	NoticeInputTimeout    NoticeKind = "input_timeout"
	NoticeStorageDegraded NoticeKind = "storage_degraded"
)

// Notice is a transient, user-visible signal that does not change the run.
type Notice struct {
	Kind    NoticeKind
	Message string
	Err     error
}

// Observer receives run updates and notices. Runs passed to RunUpdated are
// copies owned by the observer. Callbacks may run on transport goroutines.
type Observer interface {
	RunUpdated(sessionID string, run *domain.Run)
	Notice(sessionID string, n Notice)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) RunUpdated(string, *domain.Run) {}
func (NopObserver) Notice(string, Notice)          {}

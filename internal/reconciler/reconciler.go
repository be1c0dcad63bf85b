package reconciler

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/xiaot623/gogo/runsync/internal/apperr"
	"github.com/xiaot623/gogo/runsync/internal/cache"
	"github.com/xiaot623/gogo/runsync/internal/domain"
	"github.com/xiaot623/gogo/runsync/internal/metrics"
	"github.com/xiaot623/gogo/runsync/internal/protocol"
)

const defaultErrorGrace = 2 * time.Second

// Releaser closes and forgets a session's transport.
type Releaser interface {
	Release(sessionID string) bool
}

// Options configures a Reconciler.
type Options struct {
	Policy Policy
	// InputTimeout arms a notice when an input request stays unanswered.
	// Zero disables it.
	InputTimeout time.Duration
	// ErrorGrace is how long an error event waits for a status update before
	// the run is marked as failed.
	ErrorGrace time.Duration

	Logger   logr.Logger
	Metrics  *metrics.Metrics
	Observer Observer
}

type session struct {
	mu           sync.Mutex
	run          *domain.Run
	state        State
	inputTimer   *time.Timer
	graceTimer   *time.Timer
	pendingError string
	// version advances whenever the run's status or input request changes.
	version uint64
}

func (s *session) stopInputTimerLocked() {
	if s.inputTimer != nil {
		s.inputTimer.Stop()
		s.inputTimer = nil
	}
}

func (s *session) clearPendingErrorLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.pendingError = ""
}

// Reconciler owns the in-memory Run of every session. It implements
// hub.Sink so transports feed it directly.
type Reconciler struct {
	cache    *cache.Cache
	releaser Releaser
	opts     Options

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Reconciler persisting into c and releasing transports through
// releaser.
func New(c *cache.Cache, releaser Releaser, opts Options) *Reconciler {
	if opts.Policy.IsDuplicate == nil && opts.Policy.StreamingSource == "" {
		opts.Policy = DefaultPolicy()
	}
	if opts.Policy.IsDuplicate == nil {
		opts.Policy.IsDuplicate = MutualContainment
	}
	if opts.ErrorGrace <= 0 {
		opts.ErrorGrace = defaultErrorGrace
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	return &Reconciler{
		cache:    c,
		releaser: releaser,
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

func (r *Reconciler) session(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{}
		r.sessions[sessionID] = s
	}
	return s
}

func (r *Reconciler) lookup(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Establish installs run as the session's current run, replacing any previous
// one and resetting the working state.
func (r *Reconciler) Establish(sessionID string, run *domain.Run) {
	if run == nil {
		return
	}
	s := r.session(sessionID)

	s.mu.Lock()
	s.stopInputTimerLocked()
	s.clearPendingErrorLocked()
	s.state = State{}
	s.version++
	next := run.Clone()
	if next.SessionID == "" {
		next.SessionID = sessionID
	}
	r.commitLocked(sessionID, s, next)
	snapshot := next.Clone()
	s.mu.Unlock()

	r.opts.Logger.V(1).Info("run established", "session_id", sessionID, "run_id", next.ID, "status", string(next.Status))
	r.opts.Observer.RunUpdated(sessionID, snapshot)
}

// Restore makes the cached run current when the session holds none, and
// returns the current run.
func (r *Reconciler) Restore(sessionID string) *domain.Run {
	s := r.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil && r.cache != nil {
		s.run = r.cache.Get(sessionID)
	}
	return s.run.Clone()
}

// Run returns a copy of the session's current run, or nil.
func (r *Reconciler) Run(sessionID string) *domain.Run {
	s := r.lookup(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.Clone()
}

// State returns a copy of the session's working state.
func (r *Reconciler) State(sessionID string) State {
	s := r.lookup(sessionID)
	if s == nil {
		return State{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{}
	if s.state.LastStreamed != nil {
		ls := *s.state.LastStreamed
		st.LastStreamed = &ls
	}
	return st
}

// ObservedStatus returns the status external observers should display.
func (r *Reconciler) ObservedStatus(sessionID string) domain.RunStatus {
	return r.Run(sessionID).ObservedStatus()
}

// HandleFrame parses and applies one inbound frame. Malformed frames are
// logged and dropped.
func (r *Reconciler) HandleFrame(sessionID string, data []byte) {
	ev, err := protocol.Parse(data)
	if err != nil {
		r.opts.Metrics.Malformed()
		r.opts.Logger.Info("dropping malformed event", "session_id", sessionID, "error", err.Error())
		return
	}
	r.HandleEvent(sessionID, ev)
}

// HandleEvent applies ev to the session's run and reports whether the run
// changed.
func (r *Reconciler) HandleEvent(sessionID string, ev protocol.Event) bool {
	s := r.session(sessionID)
	log := r.opts.Logger.WithValues("session_id", sessionID, "event_type", ev.EventType())

	s.mu.Lock()
	if s.run == nil {
		s.mu.Unlock()
		log.Info("dropping event for session without a run")
		return false
	}
	r.opts.Metrics.Event(ev.EventType())

	next, out := Apply(s.run, &s.state, ev, r.opts.Policy)
	if out.Duplicate {
		r.opts.Metrics.Duplicate()
		log.V(1).Info("suppressed duplicate message")
	}
	if out.Finalized {
		s.clearPendingErrorLocked()
	}
	_, isError := ev.(protocol.ErrorEvent)
	if isError {
		s.stopInputTimerLocked()
		s.pendingError = out.ErrorMessage
		r.armGraceLocked(sessionID, s)
	}

	var snapshot *domain.Run
	if out.Changed {
		r.commitLocked(sessionID, s, next)
		snapshot = next.Clone()
	}
	if out.InputRequested {
		s.version++
		r.armInputTimerLocked(sessionID, s)
	}
	s.mu.Unlock()

	if out.Release && r.releaser != nil {
		if r.releaser.Release(sessionID) {
			log.V(1).Info("transport released")
		}
	}
	if snapshot != nil {
		r.opts.Observer.RunUpdated(sessionID, snapshot)
	}
	if isError {
		log.Info("backend reported an error", "error", out.ErrorMessage)
		r.opts.Observer.Notice(sessionID, Notice{
			Kind:    NoticeTransportError,
			Message: out.ErrorMessage,
			Err:     apperr.Transport(out.ErrorMessage, nil),
		})
	}
	return out.Changed
}

// HandleClosed is called when the session's current transport closed without
// being released.
func (r *Reconciler) HandleClosed(sessionID string, err error) {
	s := r.lookup(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	live := s.run != nil && !s.run.Status.IsTerminal()
	s.mu.Unlock()
	if !live {
		return
	}
	r.opts.Logger.Info("connection lost", "session_id", sessionID, "error", errString(err))
	r.opts.Observer.Notice(sessionID, Notice{
		Kind:    NoticeReconnecting,
		Message: "connection lost, reconnecting on next action",
		Err:     apperr.Transport("connection lost", err),
	})
}

// Version returns a counter that advances whenever the session's run changes
// status or receives a new input request.
func (r *Reconciler) Version(sessionID string) uint64 {
	s := r.lookup(sessionID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Transition applies fn to a copy of the session's run and commits the
// result. It fails with apperr.ErrNoActiveRun when no run is established.
func (r *Reconciler) Transition(sessionID string, fn func(run *domain.Run)) (*domain.Run, error) {
	run, _, err := r.transition(sessionID, nil, fn)
	return run, err
}

// TransitionFrom is Transition guarded by a Version read earlier. If the run
// moved on since then, nothing is committed and the current run is returned
// with applied set to false.
func (r *Reconciler) TransitionFrom(sessionID string, version uint64, fn func(run *domain.Run)) (run *domain.Run, applied bool, err error) {
	return r.transition(sessionID, &version, fn)
}

func (r *Reconciler) transition(sessionID string, version *uint64, fn func(run *domain.Run)) (*domain.Run, bool, error) {
	s := r.lookup(sessionID)
	if s == nil {
		return nil, false, apperr.ErrNoActiveRun
	}
	s.mu.Lock()
	if s.run == nil {
		s.mu.Unlock()
		return nil, false, apperr.ErrNoActiveRun
	}
	if version != nil && *version != s.version {
		current := s.run.Clone()
		s.mu.Unlock()
		return current, false, nil
	}
	next := s.run.Clone()
	fn(next)
	r.commitLocked(sessionID, s, next)
	snapshot := next.Clone()
	s.mu.Unlock()

	r.opts.Observer.RunUpdated(sessionID, snapshot.Clone())
	return snapshot, true, nil
}

// NotifyStorageDegraded reports that the session cache stopped persisting.
func (r *Reconciler) NotifyStorageDegraded(err error) {
	r.opts.Observer.Notice("", Notice{
		Kind:    NoticeStorageDegraded,
		Message: "session history will not survive a restart",
		Err:     err,
	})
}

// Stop cancels all pending timers.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.stopInputTimerLocked()
		s.clearPendingErrorLocked()
		s.mu.Unlock()
	}
}

func (r *Reconciler) commitLocked(sessionID string, s *session, next *domain.Run) {
	if statusChanged(s.run, next) {
		s.version++
	}
	s.run = next
	if next.Status != domain.RunStatusAwaitingInput {
		s.stopInputTimerLocked()
	}
	if next.Status.IsTerminal() {
		s.clearPendingErrorLocked()
	}
	if r.cache != nil {
		r.cache.Set(sessionID, next)
	}
}

func (r *Reconciler) armInputTimerLocked(sessionID string, s *session) {
	s.stopInputTimerLocked()
	if r.opts.InputTimeout <= 0 {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(r.opts.InputTimeout, func() {
		s.mu.Lock()
		if s.inputTimer != t {
			s.mu.Unlock()
			return
		}
		s.inputTimer = nil
		waiting := s.run != nil && s.run.Status == domain.RunStatusAwaitingInput
		s.mu.Unlock()

		if waiting {
			r.opts.Logger.Info("input request timed out", "session_id", sessionID)
			r.opts.Observer.Notice(sessionID, Notice{
				Kind:    NoticeInputTimeout,
				Message: "input request is still waiting for a response",
			})
		}
	})
	s.inputTimer = t
}

func (r *Reconciler) armGraceLocked(sessionID string, s *session) {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(r.opts.ErrorGrace, func() {
		s.mu.Lock()
		if s.graceTimer != t {
			s.mu.Unlock()
			return
		}
		s.graceTimer = nil
		reason := s.pendingError
		s.pendingError = ""
		if s.run == nil || s.run.Status.IsTerminal() {
			s.mu.Unlock()
			return
		}
		next := shallow(s.run)
		next.SetStatus(domain.RunStatusError)
		r.commitLocked(sessionID, s, next)
		snapshot := next.Clone()
		s.mu.Unlock()

		r.opts.Logger.Info("run failed after error event", "session_id", sessionID, "run_id", snapshot.ID, "error", reason)
		r.opts.Observer.RunUpdated(sessionID, snapshot)
	})
	s.graceTimer = t
}

func statusChanged(prev, next *domain.Run) bool {
	if prev == nil || prev.Status != next.Status {
		return true
	}
	a, b := prev.InputRequest, next.InputRequest
	if a == nil || b == nil {
		return a != b
	}
	return *a != *b
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

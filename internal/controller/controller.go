// Package controller turns user actions into outbound commands for one
// session, making sure a live transport exists before anything is sent.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-logr/logr"

	"github.com/xiaot623/gogo/runsync/internal/apperr"
	"github.com/xiaot623/gogo/runsync/internal/domain"
	"github.com/xiaot623/gogo/runsync/internal/hub"
	"github.com/xiaot623/gogo/runsync/internal/metrics"
	"github.com/xiaot623/gogo/runsync/internal/protocol"
	"github.com/xiaot623/gogo/runsync/internal/reconciler"
)

const (
	defaultConnectTimeout = 5 * time.Second
	sessionNameLimit      = 50

	// DefaultStopReason is sent when Cancel is called without a reason.
	DefaultStopReason = "Cancelled by user"
	// RegenerateContent is the response text asking for a new plan.
	RegenerateContent = "Regenerate a plan that improves on the current plan"
)

// Backend is the REST side the controller depends on.
type Backend interface {
	FetchRun(ctx context.Context, sessionID string) (*domain.Run, error)
	FetchSettings(ctx context.Context) (json.RawMessage, error)
	RenameSession(ctx context.Context, sessionID, name string) error
}

// Options configures a Controller.
type Options struct {
	ConnectTimeout time.Duration
	TeamConfig     json.RawMessage
	// Settings is used until a fresh settings snapshot has been fetched.
	Settings json.RawMessage

	Logger  logr.Logger
	Metrics *metrics.Metrics
}

// InputResponse answers the run's pending input request.
type InputResponse struct {
	Content          string
	Accepted         bool
	Plan             string
	UploadedFileData json.RawMessage
	Files            []json.RawMessage
}

// Task describes a task to start.
type Task struct {
	Query            string
	Files            []json.RawMessage
	Plan             string
	FreshSocket      bool
	UploadedFileData json.RawMessage
}

// Controller drives one session.
type Controller struct {
	sessionID string
	hub       *hub.Hub
	rec       *reconciler.Reconciler
	backend   Backend
	opts      Options
	logger    logr.Logger

	mu       sync.Mutex
	team     json.RawMessage
	settings json.RawMessage
}

// New creates a controller for sessionID.
func New(sessionID string, h *hub.Hub, rec *reconciler.Reconciler, backend Backend, opts Options) *Controller {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	return &Controller{
		sessionID: sessionID,
		hub:       h,
		rec:       rec,
		backend:   backend,
		opts:      opts,
		logger:    opts.Logger.WithValues("session_id", sessionID),
		team:      opts.TeamConfig,
		settings:  opts.Settings,
	}
}

// SessionID returns the controlled session.
func (c *Controller) SessionID() string { return c.sessionID }

// SetTeamConfig replaces the team configuration sent with start and continue.
func (c *Controller) SetTeamConfig(team json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.team = team
}

func (c *Controller) configs() (json.RawMessage, json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.team, c.settings
}

// EnsureConnection returns an open transport for the session, opening one if
// needed. When needsResume is set and a transport had to be opened, a
// continue command is sent on it before it is returned.
func (c *Controller) EnsureConnection(ctx context.Context, needsResume bool) (*hub.Handle, error) {
	run := c.rec.Run(c.sessionID)
	if run == nil {
		return nil, apperr.ErrNoActiveRun
	}

	existing := c.hub.Get(c.sessionID)
	if existing.IsOpen() {
		return existing, nil
	}

	handle, err := c.hub.GetOrOpen(c.sessionID, run.ID, false, false)
	if err != nil {
		return nil, apperr.Transport("failed to open transport", err)
	}
	if err := c.waitOpen(ctx, handle); err != nil {
		return nil, err
	}

	if needsResume && handle != existing {
		team, settings := c.configs()
		if err := c.send(ctx, handle, protocol.NewContinue(team, settings)); err != nil {
			return nil, err
		}
		c.logger.Info("resumed run on new transport", "run_id", run.ID)
	}
	return handle, nil
}

// waitOpen blocks until the transport opens, closes, or the connect timeout
// elapses. A transport that misses the deadline is released.
func (c *Controller) waitOpen(ctx context.Context, handle *hub.Handle) error {
	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-handle.Transport.Ready():
		return nil
	case <-handle.Transport.Done():
		return apperr.Transport("transport closed before opening", handle.Transport.Err())
	case <-timer.C:
		c.hub.ReleaseHandle(handle)
		c.logger.Info("transport did not open in time", "run_id", handle.RunID, "timeout", c.opts.ConnectTimeout.String())
		return apperr.New(apperr.CodeConnectionTimeout,
			fmt.Sprintf("transport did not open within %s", c.opts.ConnectTimeout), nil)
	case <-ctx.Done():
		c.hub.ReleaseHandle(handle)
		return ctx.Err()
	}
}

func (c *Controller) send(ctx context.Context, handle *hub.Handle, cmd protocol.Command) error {
	if err := handle.Transport.Send(ctx, cmd); err != nil {
		return apperr.Transport(fmt.Sprintf("failed to send %s", cmd.CommandType()), err)
	}
	c.opts.Metrics.Command(cmd.CommandType())
	c.logger.V(1).Info("command sent", "command", cmd.CommandType(), "run_id", handle.RunID)
	return nil
}

// settle moves the run to status after a successful send, unless an inbound
// event changed the run since version was read. The backend's account wins.
func (c *Controller) settle(version uint64, status domain.RunStatus) error {
	run, applied, err := c.rec.TransitionFrom(c.sessionID, version, func(run *domain.Run) {
		run.SetStatus(status)
	})
	if err != nil {
		return err
	}
	if !applied {
		c.logger.V(1).Info("run changed while sending, keeping its status",
			"wanted", string(status), "status", string(run.Status))
	}
	return nil
}

// SendInputResponse answers the pending input request. The run becomes
// active only after the response was written.
func (c *Controller) SendInputResponse(ctx context.Context, resp InputResponse) error {
	if c.rec.Run(c.sessionID) == nil {
		return apperr.ErrNoActiveRun
	}
	version := c.rec.Version(c.sessionID)
	cmd, err := protocol.NewInputResponse(protocol.InputResponsePayload{
		Accepted:         resp.Accepted,
		Content:          resp.Content,
		Plan:             resp.Plan,
		UploadedFileData: resp.UploadedFileData,
		Files:            resp.Files,
	})
	if err != nil {
		return err
	}

	handle, err := c.EnsureConnection(ctx, true)
	if err != nil {
		return err
	}
	if err := c.send(ctx, handle, cmd); err != nil {
		return err
	}

	return c.settle(version, domain.RunStatusActive)
}

// RegeneratePlan rejects the current plan and asks for a better one.
func (c *Controller) RegeneratePlan(ctx context.Context, plan string) error {
	return c.SendInputResponse(ctx, InputResponse{
		Content:  RegenerateContent,
		Accepted: false,
		Plan:     plan,
	})
}

// Cancel stops the run.
func (c *Controller) Cancel(ctx context.Context, reason string) error {
	if c.rec.Run(c.sessionID) == nil {
		return apperr.ErrNoActiveRun
	}
	if reason == "" {
		reason = DefaultStopReason
	}
	version := c.rec.Version(c.sessionID)

	handle, err := c.EnsureConnection(ctx, true)
	if err != nil {
		return err
	}
	if err := c.send(ctx, handle, protocol.NewStop(reason)); err != nil {
		return err
	}

	return c.settle(version, domain.RunStatusStopped)
}

// Pause pauses a running task. It does nothing while the run waits for
// input, is merely connected, or has finished.
func (c *Controller) Pause(ctx context.Context) error {
	run := c.rec.Run(c.sessionID)
	if run == nil {
		return apperr.ErrNoActiveRun
	}
	switch {
	case run.Status == domain.RunStatusAwaitingInput,
		run.Status == domain.RunStatusConnected,
		run.Status.IsTerminal():
		c.logger.V(1).Info("pause ignored", "status", string(run.Status))
		return nil
	}
	version := c.rec.Version(c.sessionID)

	handle, err := c.EnsureConnection(ctx, true)
	if err != nil {
		return err
	}
	if err := c.send(ctx, handle, protocol.NewPause()); err != nil {
		return err
	}

	return c.settle(version, domain.RunStatusPausing)
}

// StartTask establishes a run if the session has none (or only a finished
// one), connects and sends the start command with a fresh settings snapshot.
func (c *Controller) StartTask(ctx context.Context, task Task) error {
	run := c.rec.Run(c.sessionID)
	if run == nil || run.Status.IsTerminal() {
		fetched, err := c.backend.FetchRun(ctx, c.sessionID)
		if err != nil {
			return fmt.Errorf("failed to establish run: %w", err)
		}
		c.rec.Establish(c.sessionID, fetched)
		run = fetched
	}

	c.refreshSettings(ctx)
	team, settings := c.configs()

	cmd, err := protocol.NewStart(protocol.TaskPayload{Content: task.Query, Plan: task.Plan},
		task.Files, task.UploadedFileData, team, settings)
	if err != nil {
		return err
	}

	var handle *hub.Handle
	if task.FreshSocket {
		handle, err = c.hub.OpenFresh(c.sessionID, run.ID)
		if err != nil {
			return apperr.Transport("failed to open transport", err)
		}
		if err := c.waitOpen(ctx, handle); err != nil {
			return err
		}
	} else {
		handle, err = c.EnsureConnection(ctx, false)
		if err != nil {
			return err
		}
	}

	if err := c.send(ctx, handle, cmd); err != nil {
		return err
	}
	c.logger.Info("task started", "run_id", run.ID)

	if err := c.backend.RenameSession(ctx, c.sessionID, SessionName(task.Query)); err != nil {
		c.logger.Error(err, "failed to rename session")
	}
	return nil
}

func (c *Controller) refreshSettings(ctx context.Context) {
	settings, err := c.backend.FetchSettings(ctx)
	if err != nil {
		c.logger.Error(err, "failed to fetch settings, using last known settings")
		return
	}
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()
}

// SessionName derives a provisional session name from a query.
func SessionName(query string) string {
	if utf8.RuneCountInString(query) <= sessionNameLimit {
		return query
	}
	return string([]rune(query)[:sessionNameLimit])
}

package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/xiaot623/gogo/runsync/internal/domain"
	"github.com/xiaot623/gogo/runsync/internal/reconciler"
)

// console prints transcript updates as they are reconciled.
type console struct {
	out      io.Writer
	done     chan struct{}
	requests chan *domain.Run

	mu       sync.Mutex
	printed  int    // messages fully or partially printed
	tailText string // text of the last printed message so far
	status   domain.RunStatus
	closed   bool
}

func newConsole(out io.Writer) *console {
	return &console{out: out, done: make(chan struct{}), requests: make(chan *domain.Run, 1)}
}

// Requests delivers runs that just started waiting for input. Only the most
// recent pending request is kept.
func (c *console) Requests() <-chan *domain.Run { return c.requests }

// Done is closed once the run reaches a terminal status.
func (c *console) Done() <-chan struct{} { return c.done }

// Seed marks the messages of an already known run as printed.
func (c *console) Seed(run *domain.Run) {
	if run == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printed = len(run.Messages)
	if last := run.LastMessage(); last != nil {
		c.tailText = last.Content.Summary()
	}
	c.status = run.Status
}

func (c *console) RunUpdated(_ string, run *domain.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.printed > len(run.Messages) {
		c.printed = 0
		c.tailText = ""
	}
	if c.printed > 0 && c.printed <= len(run.Messages) {
		tail := run.Messages[c.printed-1].Content.Summary()
		if strings.HasPrefix(tail, c.tailText) && len(tail) > len(c.tailText) {
			fmt.Fprint(c.out, tail[len(c.tailText):])
			c.tailText = tail
		}
	}
	for _, m := range run.Messages[c.printed:] {
		text := m.Content.Summary()
		fmt.Fprintf(c.out, "\n[%s] %s", m.Source, text)
		c.tailText = text
	}
	c.printed = len(run.Messages)

	if run.Status != c.status {
		c.status = run.Status
		fmt.Fprintf(c.out, "\n-- %s\n", run.ObservedStatus())
		c.promptLocked(run)
	}
	if run.Status.IsTerminal() && !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Answered is called with the current run after a response was sent. A run
// that is still waiting for input received a new request in the meantime.
func (c *console) Answered(run *domain.Run) {
	if run == nil || run.Status != domain.RunStatusAwaitingInput {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promptLocked(run)
}

func (c *console) promptLocked(run *domain.Run) {
	if run.InputRequest == nil {
		return
	}
	switch run.InputRequest.Type {
	case domain.InputTypeApproval:
		fmt.Fprintf(c.out, "%s (/approve, /deny, /regenerate)\n", run.InputRequest.Prompt)
	default:
		fmt.Fprintln(c.out, "input requested, type a reply")
	}
	c.offer(run)
}

func (c *console) Notice(_ string, n reconciler.Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\n!! %s: %s\n", n.Kind, n.Message)
}

func (c *console) offer(run *domain.Run) {
	select {
	case <-c.requests:
	default:
	}
	c.requests <- run
}

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/gogo/runsync/internal/domain"
	"github.com/xiaot623/gogo/runsync/internal/reconciler"
)

func TestConsolePrintsStreamedTail(t *testing.T) {
	var buf bytes.Buffer
	c := newConsole(&buf)

	run := &domain.Run{Status: domain.RunStatusActive, Messages: []domain.Message{
		{Source: "assistant", Content: domain.TextContent("Hel")},
	}}
	c.RunUpdated("s1", run)
	run.Messages[0].Content.Text = "Hello"
	c.RunUpdated("s1", run)

	assert.Equal(t, "\n[assistant] Hel\n-- active\nlo", buf.String())
}

func TestConsoleSignalsTerminalRun(t *testing.T) {
	var buf bytes.Buffer
	c := newConsole(&buf)

	c.RunUpdated("s1", &domain.Run{Status: domain.RunStatusComplete})
	c.RunUpdated("s1", &domain.Run{Status: domain.RunStatusComplete})

	select {
	case <-c.Done():
	default:
		t.Fatal("console should be done after a terminal status")
	}
}

func TestConsoleSeedSkipsKnownMessages(t *testing.T) {
	var buf bytes.Buffer
	c := newConsole(&buf)
	run := &domain.Run{Status: domain.RunStatusPaused, Messages: []domain.Message{
		{Source: "user", Content: domain.TextContent("old")},
	}}
	c.Seed(run)
	c.RunUpdated("s1", run)
	assert.Empty(t, buf.String())

	c.Notice("s1", reconciler.Notice{Kind: reconciler.NoticeReconnecting, Message: "connection lost"})
	assert.Contains(t, buf.String(), "reconnecting: connection lost")
}

func TestConsoleOffersInputRequests(t *testing.T) {
	var buf bytes.Buffer
	c := newConsole(&buf)

	first := &domain.Run{ID: "r1", Status: domain.RunStatusAwaitingInput,
		InputRequest: &domain.InputRequest{Type: domain.InputTypeApproval, Prompt: "Approve?"}}
	c.RunUpdated("s1", first)
	c.RunUpdated("s1", &domain.Run{ID: "r1", Status: domain.RunStatusActive})
	second := &domain.Run{ID: "r1", Status: domain.RunStatusAwaitingInput,
		InputRequest: &domain.InputRequest{Type: domain.InputTypeTextInput}}
	c.RunUpdated("s1", second)

	select {
	case got := <-c.Requests():
		assert.Same(t, second, got)
	default:
		t.Fatal("expected a pending input request")
	}
	assert.Contains(t, buf.String(), "Approve? (/approve, /deny, /regenerate)")
}

func TestConsoleAnsweredRepromptsPendingRequest(t *testing.T) {
	var buf bytes.Buffer
	c := newConsole(&buf)

	c.Answered(&domain.Run{Status: domain.RunStatusActive})
	select {
	case <-c.Requests():
		t.Fatal("active run has nothing to answer")
	default:
	}

	pending := &domain.Run{ID: "r1", Status: domain.RunStatusAwaitingInput,
		InputRequest: &domain.InputRequest{Type: domain.InputTypeApproval, Prompt: "Approve the revised plan?"}}
	c.Answered(pending)
	assert.Same(t, pending, <-c.Requests())
	assert.Contains(t, buf.String(), "Approve the revised plan? (/approve, /deny, /regenerate)")
}

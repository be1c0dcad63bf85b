// Package backend provides an HTTP client for the session REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/gogo/runsync/internal/domain"
)

// Client is an HTTP client for the sessions, runs and settings API.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// NewClient creates a new backend client.
func NewClient(baseURL, userID string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		userID:  userID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// envelope wraps every API response.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RequestError is returned for non-2xx responses and unsuccessful envelopes.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.Path, e.StatusCode)
}

// runResponse is the run shape served by the API. IDs may be numeric.
type runResponse struct {
	ID           flexibleID           `json:"id"`
	SessionID    flexibleID           `json:"session_id"`
	Status       domain.RunStatus     `json:"status"`
	Messages     []runMessage         `json:"messages"`
	InputRequest *domain.InputRequest `json:"input_request,omitempty"`
	TeamResult   *domain.TeamResult   `json:"team_result,omitempty"`
}

// runMessage accepts both stored messages ({config: {...}}) and bare ones.
type runMessage struct {
	Config *domain.Message `json:"config,omitempty"`
	domain.Message
}

func (m *runMessage) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Config *domain.Message `json:"config"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Config != nil {
		m.Config = wrapped.Config
		return nil
	}
	return json.Unmarshal(data, &m.Message)
}

func (m runMessage) message() domain.Message {
	if m.Config != nil {
		return *m.Config
	}
	return m.Message
}

type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

// FetchRun calls GET /api/sessions/:session_id/run.
func (c *Client) FetchRun(ctx context.Context, sessionID string) (*domain.Run, error) {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/run"

	var resp runResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch run: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("failed to fetch run: response has no run id")
	}

	run := &domain.Run{
		ID:           string(resp.ID),
		SessionID:    string(resp.SessionID),
		Status:       resp.Status,
		InputRequest: resp.InputRequest,
		TeamResult:   resp.TeamResult,
	}
	if run.SessionID == "" {
		run.SessionID = sessionID
	}
	if run.Status == "" {
		run.Status = domain.RunStatusConnected
	}
	for _, m := range resp.Messages {
		run.Messages = append(run.Messages, m.message())
	}
	return run, nil
}

// FetchSettings calls GET /api/settings and returns the settings config.
func (c *Client) FetchSettings(ctx context.Context) (json.RawMessage, error) {
	var data json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/settings", nil, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch settings: %w", err)
	}

	var settings struct {
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &settings); err == nil && len(settings.Config) > 0 {
		return settings.Config, nil
	}
	return data, nil
}

// RenameSession calls PUT /api/sessions/:session_id.
func (c *Client) RenameSession(ctx context.Context, sessionID, name string) error {
	path := "/api/sessions/" + url.PathEscape(sessionID)
	body := map[string]string{"name": name}
	if c.userID != "" {
		body["user_id"] = c.userID
	}
	if err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	target := c.baseURL + path
	if c.userID != "" {
		target += "?user_id=" + url.QueryEscape(c.userID)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call backend: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := &RequestError{Method: method, Path: path, StatusCode: resp.StatusCode}
		if decodeErr == nil && env.Message != "" {
			reqErr.Message = env.Message
		} else {
			reqErr.Message = strings.TrimSpace(string(respBody))
		}
		return reqErr
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if !env.Status {
		return &RequestError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: env.Message}
	}

	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("response has no data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

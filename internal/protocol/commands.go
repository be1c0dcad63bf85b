package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types from client to backend
const (
	TypeStart         = "start"
	TypeInputResponse = "input_response"
	TypeStop          = "stop"
	TypePause         = "pause"
	TypeContinue      = "continue"
)

// Command is an outbound envelope.
type Command interface {
	CommandType() string
}

// TaskPayload is serialized into StartCommand.Task.
type TaskPayload struct {
	Content string `json:"content"`
	Plan    string `json:"plan,omitempty"`
}

// StartCommand starts a task on a run.
type StartCommand struct {
	Type             string            `json:"type"`
	Task             string            `json:"task"`
	Files            []json.RawMessage `json:"files"`
	UploadedFileData json.RawMessage   `json:"uploadedFileData,omitempty"`
	TeamConfig       json.RawMessage   `json:"team_config"`
	SettingsConfig   json.RawMessage   `json:"settings_config"`
}

// InputResponsePayload is serialized into InputResponseCommand.Response.
type InputResponsePayload struct {
	Accepted         bool              `json:"accepted"`
	Content          string            `json:"content"`
	Plan             string            `json:"plan,omitempty"`
	UploadedFileData json.RawMessage   `json:"uploadedFileData,omitempty"`
	Files            []json.RawMessage `json:"files,omitempty"`
}

// InputResponseCommand answers an input request.
type InputResponseCommand struct {
	Type     string `json:"type"`
	Response string `json:"response"`
}

// StopCommand cancels the run.
type StopCommand struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// PauseCommand pauses the run.
type PauseCommand struct {
	Type string `json:"type"`
}

// ContinueCommand resumes server-side execution on a fresh transport.
type ContinueCommand struct {
	Type           string          `json:"type"`
	Task           string          `json:"task"`
	TeamConfig     json.RawMessage `json:"team_config"`
	SettingsConfig json.RawMessage `json:"settings_config"`
}

func (StartCommand) CommandType() string         { return TypeStart }
func (InputResponseCommand) CommandType() string { return TypeInputResponse }
func (StopCommand) CommandType() string          { return TypeStop }
func (PauseCommand) CommandType() string         { return TypePause }
func (ContinueCommand) CommandType() string      { return TypeContinue }

// NewStart builds a start command. Nil configs are sent as JSON null.
func NewStart(task TaskPayload, files []json.RawMessage, uploaded, teamConfig, settingsConfig json.RawMessage) (StartCommand, error) {
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return StartCommand{}, fmt.Errorf("failed to marshal task: %w", err)
	}
	if files == nil {
		files = []json.RawMessage{}
	}
	return StartCommand{
		Type:             TypeStart,
		Task:             string(taskJSON),
		Files:            files,
		UploadedFileData: uploaded,
		TeamConfig:       orNull(teamConfig),
		SettingsConfig:   orNull(settingsConfig),
	}, nil
}

// NewInputResponse builds an input_response command.
func NewInputResponse(resp InputResponsePayload) (InputResponseCommand, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return InputResponseCommand{}, fmt.Errorf("failed to marshal input response: %w", err)
	}
	return InputResponseCommand{Type: TypeInputResponse, Response: string(b)}, nil
}

// NewStop builds a stop command.
func NewStop(reason string) StopCommand {
	return StopCommand{Type: TypeStop, Reason: reason}
}

// NewPause builds a pause command.
func NewPause() PauseCommand {
	return PauseCommand{Type: TypePause}
}

// NewContinue builds a continue command carrying the last known configuration.
func NewContinue(teamConfig, settingsConfig json.RawMessage) ContinueCommand {
	return ContinueCommand{
		Type:           TypeContinue,
		Task:           "continue",
		TeamConfig:     orNull(teamConfig),
		SettingsConfig: orNull(settingsConfig),
	}
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

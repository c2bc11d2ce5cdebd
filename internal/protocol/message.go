package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeProcessOutput = "process.output"
	TypeProcessExit   = "process.exit"
	TypeConfigState   = "config.state"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeProcessStart = "process.start"
	TypeProcessInput = "process.input"
	TypeProcessStop  = "process.stop"
	TypeConfigGet    = "config.get"
)

// Error codes.
const (
	ErrAlreadyRunning = "ALREADY_RUNNING"
	ErrNoProcess      = "NO_ACTIVE_PROCESS"
	ErrUnknownTarget  = "UNKNOWN_TARGET"
	ErrSpawnFailed    = "SPAWN_FAILED"
	ErrWriteFailed    = "WRITE_FAILED"
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrConfigInvalid  = "CONFIG_INVALID"
)

// Server → Client payloads.

// ProcessOutputPayload carries an output delta for one client's cursor.
type ProcessOutputPayload struct {
	Output  string `json:"output"`
	Cursor  int    `json:"cursor"`
	Dropped bool   `json:"dropped"`
	Running bool   `json:"running"`
}

// ProcessExitPayload announces that the supervised process finished.
type ProcessExitPayload struct {
	ExitCode int `json:"exitCode"`
}

// ConfigStatePayload carries the current toolkit configuration. The concrete
// config struct is marshaled by the realtime server.
type ConfigStatePayload struct {
	Config interface{} `json:"config"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type ProcessStartPayload struct {
	Target string `json:"target"`
}

type ProcessInputPayload struct {
	Text string `json:"text"`
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}

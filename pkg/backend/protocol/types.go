// Package protocol defines the JSON-over-stdio protocol spoken between the
// orchestrator and a remote executor.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// Version is the protocol version announced in READY.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the executor is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the orchestrator
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the executor
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the executor is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeSubmit submits a state-changing operation
	CommandTypeSubmit CommandType = "op.submit"
	// CommandTypeAwait waits for a submitted operation
	CommandTypeAwait CommandType = "op.await"
	// CommandTypeRead performs a read-only query
	CommandTypeRead CommandType = "state.read"
)

// Error codes carried by ERROR messages.
const (
	ErrorCodeAlreadyRegistered  = "ALREADY_REGISTERED"
	ErrorCodeAlreadyInitialized = "ALREADY_INITIALIZED"
	ErrorCodeNotYetFinalized    = "NOT_YET_FINALIZED"
	ErrorCodeVersionRejected    = "VERSION_REJECTED"
	ErrorCodeUnknown            = "UNKNOWN"
	ErrorCodeInvalidParams      = "INVALID_PARAMS"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the executor is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID       string            `json:"id"`
	Type     CommandType       `json:"type"`
	Timeout  int               `json:"timeout"` // seconds
	Params   json.RawMessage   `json:"params"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventMessage contains progress information during command execution.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// ExitMessage is sent before the executor terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// SubmitParams carries the operation for op.submit.
type SubmitParams struct {
	Operation engine.Operation `json:"operation"`
}

// SubmitResult returns the pending handle.
type SubmitResult struct {
	Handle engine.OperationHandle `json:"handle"`
}

// AwaitParams carries the handle and required depth for op.await.
type AwaitParams struct {
	Handle        engine.OperationHandle `json:"handle"`
	Confirmations int                    `json:"confirmations"`
}

// AwaitResult returns the receipt.
type AwaitResult struct {
	Receipt engine.Receipt `json:"receipt"`
}

// ReadParams carries a state.read query.
type ReadParams struct {
	Target string `json:"target"`
	Query  string `json:"query"`
	Args   []any  `json:"args,omitempty"`
}

// ReadResult returns the query value.
type ReadResult struct {
	Value any `json:"value"`
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeSubmit, CommandTypeAwait, CommandTypeRead:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}

var codeByKind = map[engine.FailureKind]string{
	engine.FailureAlreadyRegistered:  ErrorCodeAlreadyRegistered,
	engine.FailureAlreadyInitialized: ErrorCodeAlreadyInitialized,
	engine.FailureNotYetFinalized:    ErrorCodeNotYetFinalized,
	engine.FailureVersionRejected:    ErrorCodeVersionRejected,
}

// NewErrorMessage converts a backend failure into an ERROR message.
func NewErrorMessage(commandID string, err error) *ErrorMessage {
	kind := engine.Classify(err)
	code, ok := codeByKind[kind]
	if !ok {
		code = ErrorCodeUnknown
	}
	msg := err.Error()
	var remote *engine.RemoteError
	if errors.As(err, &remote) {
		msg = remote.Message
	}
	return &ErrorMessage{
		CommandID: commandID,
		Code:      code,
		Message:   msg,
		Retryable: kind == engine.FailureNotYetFinalized,
	}
}

// RemoteError converts an ERROR message back into a classified failure.
func (e *ErrorMessage) RemoteError() *engine.RemoteError {
	kind := engine.FailureUnknown
	for k, code := range codeByKind {
		if code == e.Code {
			kind = k
			break
		}
	}
	return engine.NewRemoteError(kind, "%s", e.Message)
}

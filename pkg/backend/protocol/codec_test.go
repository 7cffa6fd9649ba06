package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/stagehand/pkg/engine"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data: &ReadyMessage{
				Version:  Version,
				Platform: "linux",
				Arch:     "amd64",
				PID:      1234,
				Caps:     map[string]bool{"op.submit": true},
			},
		},
		{
			name:    "encode event message",
			msgType: MessageTypeEvent,
			data: &EventMessage{
				CommandID: "cmd-123",
				Level:     "info",
				Message:   "awaiting 3 confirmations",
			},
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data: &DoneMessage{
				CommandID: "cmd-123",
				Duration:  1.5,
			},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data: &ErrorMessage{
				CommandID: "cmd-123",
				Code:      ErrorCodeAlreadyRegistered,
				Message:   "Token is already registered",
			},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data: &ExitMessage{
				Reason:        "stdin closed",
				CommandsTotal: 5,
			},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				line := strings.TrimSpace(buf.String())
				var msg Message
				if err := json.Unmarshal([]byte(line), &msg); err != nil {
					t.Errorf("Output is not valid JSON: %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1","platform":"linux","arch":"amd64","pid":1234,"capabilities":{"op.submit":true}}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode command message",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"state.read","timeout":30,"params":{"target":"0x01","query":"getVersion"}}}`,
			msgType: MessageTypeCommand,
		},
		{
			name:    "decode event message",
			input:   `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{"command_id":"cmd-123","level":"info","message":"Processing"}}`,
			msgType: MessageTypeEvent,
		},
		{
			name:    "unknown message type",
			input:   `{"type":"HELLO","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()

			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		cmdType CommandType
	}{
		{
			name:    "valid submit command",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"op.submit","timeout":30,"params":{"operation":{"kind":"deploy","target":"Token"}}}}`,
			cmdType: CommandTypeSubmit,
		},
		{
			name:    "valid await command",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-124","type":"op.await","timeout":10,"params":{"handle":{"id":"h1"},"confirmations":3}}}`,
			cmdType: CommandTypeAwait,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "missing command id",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"type":"op.submit","timeout":30,"params":{}}}`,
			wantErr: true,
		},
		{
			name:    "unknown command type",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"exec","timeout":30,"params":{}}}`,
			wantErr: true,
		},
		{
			name:    "invalid timeout",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"op.submit","timeout":0,"params":{}}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			cmd, err := dec.DecodeCommand()

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeCommand() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if cmd.Type != tt.cmdType {
					t.Errorf("Command type = %v, want %v", cmd.Type, tt.cmdType)
				}
			}
		})
	}
}

func TestNewCommand(t *testing.T) {
	cmd, err := NewCommand(CommandTypeRead, &ReadParams{Target: "0x01", Query: "getVersion"}, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("NewCommand failed: %v", err)
	}
	if cmd.ID == "" {
		t.Error("Expected generated ID")
	}
	if cmd.Timeout != 1 {
		t.Errorf("Expected timeout rounded up to 1s, got %d", cmd.Timeout)
	}
	if err := cmd.Validate(); err != nil {
		t.Errorf("Expected valid command, got %v", err)
	}

	var params ReadParams
	if err := ParseParams(cmd.Params, &params); err != nil {
		t.Fatalf("ParseParams failed: %v", err)
	}
	if params.Query != "getVersion" {
		t.Errorf("Expected getVersion, got %s", params.Query)
	}
}

func TestParseParamsKeepsOperation(t *testing.T) {
	raw := `{"operation":{"kind":"call","target":"0x01","method":"initialize","args":["0x02"]}}`
	var params SubmitParams
	if err := ParseParams(json.RawMessage(raw), &params); err != nil {
		t.Fatalf("ParseParams failed: %v", err)
	}
	op := params.Operation
	if op.Kind != engine.OperationCall || op.Method != "initialize" || len(op.Args) != 1 {
		t.Errorf("unexpected operation %+v", op)
	}

	if err := ParseParams(json.RawMessage(`{invalid}`), &params); err == nil {
		t.Error("Expected error for invalid json")
	}
}

// Package server serves an engine.Backend over the executor protocol.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/backend/protocol"
	"github.com/openfroyo/stagehand/pkg/engine"
)

// Server answers protocol commands with a backend.
type Server struct {
	backend  engine.Backend
	logger   zerolog.Logger
	metadata map[string]string
	handled  int
}

// New creates a server for backend.
func New(backend engine.Backend, logger zerolog.Logger) *Server {
	return &Server{
		backend:  backend,
		logger:   logger.With().Str("component", "executor").Logger(),
		metadata: make(map[string]string),
	}
}

// WithMetadata adds a key announced in the READY message.
func (s *Server) WithMetadata(key, value string) *Server {
	s.metadata[key] = value
	return s
}

// Serve announces READY on w and answers commands read from r until r is
// exhausted, then sends EXIT. Commands are handled one at a time.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	ready := &protocol.ReadyMessage{
		Version:  protocol.Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps: map[string]bool{
			string(protocol.CommandTypeSubmit): true,
			string(protocol.CommandTypeAwait):  true,
			string(protocol.CommandTypeRead):   true,
		},
		Metadata: s.metadata,
	}
	if err := enc.EncodeReady(ready); err != nil {
		return fmt.Errorf("failed to send READY: %w", err)
	}
	s.logger.Debug().Int("pid", ready.PID).Msg("Executor ready")

	for {
		if err := ctx.Err(); err != nil {
			return s.exit(enc, "cancelled", 1, err)
		}

		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return s.exit(enc, "input closed", 0, nil)
		}
		if errors.Is(err, protocol.ErrStream) {
			return s.exit(enc, "input unreadable", 1, err)
		}
		if err != nil {
			if encErr := enc.EncodeError(&protocol.ErrorMessage{
				Code:    protocol.ErrorCodeInvalidParams,
				Message: err.Error(),
			}); encErr != nil {
				return fmt.Errorf("failed to send ERROR: %w", encErr)
			}
			continue
		}

		if err := s.handle(ctx, enc, msg); err != nil {
			return err
		}
	}
}

func (s *Server) exit(enc *protocol.Encoder, reason string, code int, cause error) error {
	if err := enc.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      code,
		CommandsTotal: s.handled,
	}); err != nil && cause == nil {
		// The peer may already be gone after closing its end.
		s.logger.Debug().Err(err).Msg("Failed to send EXIT")
	}
	s.logger.Debug().Str("reason", reason).Int("commands", s.handled).Msg("Executor exiting")
	return cause
}

// handle answers one message. The returned error is only set when the
// response could not be written.
func (s *Server) handle(ctx context.Context, enc *protocol.Encoder, msg *protocol.Message) error {
	if msg.Type != protocol.MessageTypeCommand {
		return encodeError(enc, &protocol.ErrorMessage{
			Code:    protocol.ErrorCodeInvalidParams,
			Message: fmt.Sprintf("expected CMD message, got %s", msg.Type),
		})
	}

	var cmd protocol.CommandMessage
	if err := protocol.ParseParams(msg.Data, &cmd); err != nil {
		return encodeError(enc, &protocol.ErrorMessage{Code: protocol.ErrorCodeInvalidParams, Message: err.Error()})
	}
	if err := cmd.Validate(); err != nil {
		return encodeError(enc, &protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.ErrorCodeInvalidParams,
			Message:   err.Error(),
		})
	}

	s.handled++
	start := time.Now()
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	log := s.logger.With().Str("command_id", cmd.ID).Str("command", string(cmd.Type)).Logger()
	log.Debug().Msg("Handling command")

	result, err := s.dispatch(cmdCtx, enc, &cmd)
	if err != nil {
		var invalid *invalidParams
		msg := protocol.NewErrorMessage(cmd.ID, err)
		if errors.As(err, &invalid) {
			msg = &protocol.ErrorMessage{CommandID: cmd.ID, Code: protocol.ErrorCodeInvalidParams, Message: invalid.Error()}
		}
		log.Debug().Str("code", msg.Code).Msg(msg.Message)
		return encodeError(enc, msg)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return encodeError(enc, &protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.ErrorCodeUnknown,
			Message:   fmt.Sprintf("failed to marshal result: %v", err),
		})
	}
	if err := enc.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    raw,
		Duration:  time.Since(start).Seconds(),
	}); err != nil {
		return fmt.Errorf("failed to send DONE: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, enc *protocol.Encoder, cmd *protocol.CommandMessage) (any, error) {
	switch cmd.Type {
	case protocol.CommandTypeSubmit:
		var params protocol.SubmitParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, &invalidParams{err}
		}
		handle, err := s.backend.Submit(ctx, params.Operation)
		if err != nil {
			return nil, err
		}
		return &protocol.SubmitResult{Handle: *handle}, nil

	case protocol.CommandTypeAwait:
		var params protocol.AwaitParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, &invalidParams{err}
		}
		if params.Handle.ID == "" {
			return nil, &invalidParams{errors.New("handle ID is required")}
		}
		if err := enc.EncodeEvent(&protocol.EventMessage{
			CommandID: cmd.ID,
			Level:     "debug",
			Message:   fmt.Sprintf("awaiting %d confirmations", params.Confirmations),
		}); err != nil {
			return nil, err
		}
		receipt, err := s.backend.Await(ctx, &params.Handle, params.Confirmations)
		if err != nil {
			return nil, err
		}
		return &protocol.AwaitResult{Receipt: *receipt}, nil

	case protocol.CommandTypeRead:
		var params protocol.ReadParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, &invalidParams{err}
		}
		value, err := s.backend.Read(ctx, params.Target, params.Query, params.Args...)
		if err != nil {
			return nil, err
		}
		return &protocol.ReadResult{Value: value}, nil

	default:
		return nil, &invalidParams{fmt.Errorf("unsupported command type: %s", cmd.Type)}
	}
}

func encodeError(enc *protocol.Encoder, msg *protocol.ErrorMessage) error {
	if err := enc.EncodeError(msg); err != nil {
		return fmt.Errorf("failed to send ERROR: %w", err)
	}
	return nil
}

type invalidParams struct {
	err error
}

func (e *invalidParams) Error() string {
	return e.err.Error()
}

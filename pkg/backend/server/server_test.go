package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/openfroyo/stagehand/pkg/backend/protocol"
	"github.com/openfroyo/stagehand/pkg/backend/sim"
	"github.com/openfroyo/stagehand/pkg/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func command(t *testing.T, enc *protocol.Encoder, cmdType protocol.CommandType, params interface{}) string {
	t.Helper()
	cmd, err := protocol.NewCommand(cmdType, params, 5*time.Second)
	if err != nil {
		t.Fatalf("failed to build command: %v", err)
	}
	if err := enc.EncodeCommand(cmd); err != nil {
		t.Fatalf("failed to encode command: %v", err)
	}
	return cmd.ID
}

func readAll(t *testing.T, r io.Reader) []*protocol.Message {
	t.Helper()
	dec := protocol.NewDecoder(r)
	var msgs []*protocol.Message
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			return msgs
		}
		if err != nil {
			t.Fatalf("failed to decode output: %v", err)
		}
		msgs = append(msgs, msg)
	}
}

func TestServe(t *testing.T) {
	var in bytes.Buffer
	enc := protocol.NewEncoder(&in)

	submitID := command(t, enc, protocol.CommandTypeSubmit, &protocol.SubmitParams{
		Operation: engine.Operation{Kind: engine.OperationDeploy, Target: "Token"},
	})
	readID := command(t, enc, protocol.CommandTypeRead, &protocol.ReadParams{
		Target: "0x0000000000000000000000000000000000000001",
		Query:  "getVersion",
	})
	// Unknown command type with a valid envelope.
	if err := enc.Encode(protocol.MessageTypeCommand, &protocol.CommandMessage{
		ID: "cmd-exec", Type: "exec", Timeout: 5, Params: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	if err := enc.EncodeDone(&protocol.DoneMessage{CommandID: "stray"}); err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	var out bytes.Buffer
	srv := New(sim.New(), zerolog.Nop()).WithMetadata("backend", "sim")
	if err := srv.Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	msgs := readAll(t, &out)
	want := []protocol.MessageType{
		protocol.MessageTypeReady,
		protocol.MessageTypeDone,
		protocol.MessageTypeError,
		protocol.MessageTypeError,
		protocol.MessageTypeError,
		protocol.MessageTypeExit,
	}
	if len(msgs) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(msgs))
	}
	for i, msg := range msgs {
		if msg.Type != want[i] {
			t.Errorf("message %d: expected %s, got %s", i, want[i], msg.Type)
		}
	}

	var ready protocol.ReadyMessage
	_ = protocol.ParseParams(msgs[0].Data, &ready)
	if ready.Version != protocol.Version || ready.Metadata["backend"] != "sim" {
		t.Errorf("unexpected READY %+v", ready)
	}
	if !ready.Caps[string(protocol.CommandTypeAwait)] {
		t.Error("Expected op.await capability")
	}

	var done protocol.DoneMessage
	_ = protocol.ParseParams(msgs[1].Data, &done)
	var submitted protocol.SubmitResult
	_ = protocol.ParseParams(done.Result, &submitted)
	if done.CommandID != submitID || submitted.Handle.ID == "" || submitted.Handle.Target != "Token" {
		t.Errorf("unexpected submit result %+v", submitted)
	}

	errs := make([]protocol.ErrorMessage, 3)
	for i := range errs {
		_ = protocol.ParseParams(msgs[2+i].Data, &errs[i])
	}
	// Deploys apply on await, so the read targets an unknown address.
	if errs[0].CommandID != readID || errs[0].Code != protocol.ErrorCodeUnknown {
		t.Errorf("unexpected read error %+v", errs[0])
	}
	if errs[1].CommandID != "cmd-exec" || errs[1].Code != protocol.ErrorCodeInvalidParams {
		t.Errorf("unexpected command error %+v", errs[1])
	}
	if errs[2].CommandID != "" || errs[2].Code != protocol.ErrorCodeInvalidParams {
		t.Errorf("unexpected stray message error %+v", errs[2])
	}

	var exit protocol.ExitMessage
	_ = protocol.ParseParams(msgs[5].Data, &exit)
	if exit.CommandsTotal != 2 || exit.ExitCode != 0 {
		t.Errorf("Expected 2 commands and exit code 0, got %+v", exit)
	}
}

func TestServeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var in, out bytes.Buffer
	err := New(sim.New(), zerolog.Nop()).Serve(ctx, &in, &out)
	if err == nil {
		t.Fatal("Expected cancellation error")
	}

	msgs := readAll(t, &out)
	if len(msgs) != 2 || msgs[1].Type != protocol.MessageTypeExit {
		t.Fatalf("Expected READY then EXIT, got %d messages", len(msgs))
	}
}

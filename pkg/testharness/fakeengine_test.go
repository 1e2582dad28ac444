package testharness

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/examrun/internal/ndjson"
	"github.com/iambrandonn/examrun/internal/protocol"
)

func dialEngine(t *testing.T, engine *FakeEngine) (net.Conn, *ndjson.Encoder, *ndjson.Decoder) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(engine.Port())), time.Second)
	if err != nil {
		t.Fatalf("failed to dial fake engine: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	return conn, ndjson.NewEncoder(conn, logger), ndjson.NewDecoder(conn, logger)
}

func send(t *testing.T, enc *ndjson.Encoder, dec *ndjson.Decoder, req protocol.Request) (*protocol.Response, []*protocol.Log) {
	t.Helper()

	req.Kind = protocol.MessageKindRequest
	req.MessageID = uuid.New().String()
	req.SentAt = time.Now().UTC()
	if err := enc.Encode(req); err != nil {
		t.Fatalf("failed to send %s: %v", req.Command, err)
	}

	var logs []*protocol.Log
	for {
		msg, err := dec.DecodeEnvelope()
		if err != nil {
			t.Fatalf("failed to read reply to %s: %v", req.Command, err)
		}
		switch v := msg.(type) {
		case *protocol.Log:
			logs = append(logs, v)
		case *protocol.Response:
			if v.InReplyTo != req.MessageID {
				t.Fatalf("in_reply_to mismatch: got %s, want %s", v.InReplyTo, req.MessageID)
			}
			return v, logs
		default:
			t.Fatalf("unexpected message type: %T", msg)
		}
	}
}

func TestFakeEngineSession(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewFakeEngine(logger)
	engine.ScriptLogs = []string{"step 1", "step 2"}

	var executed protocol.ScriptConfiguration
	engine.OnExecute = func(script protocol.ScriptConfiguration) {
		executed = script
	}

	if err := engine.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	defer engine.Close()

	_, enc, dec := dialEngine(t, engine)

	resp, _ := send(t, enc, dec, protocol.Request{Command: protocol.CommandProbe})
	if !resp.OK() || resp.Available == nil || !*resp.Available {
		t.Fatalf("probe should report available, got %+v", resp)
	}

	resp, _ = send(t, enc, dec, protocol.Request{Command: protocol.CommandGetAPIVersion})
	if resp.Version == nil || resp.Version.String() != "1.2.0" {
		t.Errorf("unexpected version: %v", resp.Version)
	}

	send(t, enc, dec, protocol.Request{Command: protocol.CommandClearWorkspace})
	send(t, enc, dec, protocol.Request{Command: protocol.CommandCreateProject, Model: &protocol.ModelConfiguration{ModelName: "M"}})

	resp, logs := send(t, enc, dec, protocol.Request{
		Command: protocol.CommandExecuteScript,
		Script:  &protocol.ScriptConfiguration{Script: "Tests.Smoke"},
	})
	if !resp.OK() {
		t.Errorf("execute_script failed: %+v", resp.Error)
	}
	if len(logs) != 2 {
		t.Errorf("expected 2 log messages before the response, got %d", len(logs))
	}
	if executed.Script != "Tests.Smoke" {
		t.Errorf("OnExecute saw script %q", executed.Script)
	}

	send(t, enc, dec, protocol.Request{Command: protocol.CommandDisconnect})

	select {
	case <-engine.Disconnected():
	case <-time.After(time.Second):
		t.Error("engine did not signal disconnect")
	}

	want := []protocol.CommandName{
		protocol.CommandGetAPIVersion,
		protocol.CommandClearWorkspace,
		protocol.CommandCreateProject,
		protocol.CommandExecuteScript,
		protocol.CommandDisconnect,
	}
	got := engine.Commands()
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %s, want %s", i, got[i], want[i])
		}
	}
	if engine.Probes() != 1 {
		t.Errorf("probes = %d, want 1", engine.Probes())
	}
}

func TestFakeEngineRejections(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewFakeEngine(logger)
	engine.Models = []string{"Known"}
	engine.ScriptError = "boom"

	if err := engine.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	defer engine.Close()

	_, enc, dec := dialEngine(t, engine)

	resp, _ := send(t, enc, dec, protocol.Request{Command: protocol.CommandCreateProject, Model: &protocol.ModelConfiguration{ModelName: "unknown"}})
	if resp.OK() || resp.Error == nil || resp.Error.Code != protocol.ErrorCodeUnknownModel {
		t.Errorf("expected unknown_model, got %+v", resp)
	}

	resp, _ = send(t, enc, dec, protocol.Request{Command: protocol.CommandCreateProject, Model: &protocol.ModelConfiguration{ModelName: "KNOWN"}})
	if !resp.OK() {
		t.Errorf("model lookup should be case-insensitive, got %+v", resp.Error)
	}

	resp, _ = send(t, enc, dec, protocol.Request{Command: protocol.CommandExecuteScript, Script: &protocol.ScriptConfiguration{Script: "s"}})
	if resp.OK() || resp.Error.Code != protocol.ErrorCodeScriptFailed {
		t.Errorf("expected script_failed, got %+v", resp)
	}

	resp, _ = send(t, enc, dec, protocol.Request{Command: "reboot"})
	if resp.OK() || resp.Error.Code != protocol.ErrorCodeUnknownCommand {
		t.Errorf("expected unknown_command, got %+v", resp)
	}
}

func TestFakeEngineCloseStopsServing(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewFakeEngine(logger)
	if err := engine.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	port := engine.Port()

	if err := engine.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Error("expected dial to fail after Close")
	}
}

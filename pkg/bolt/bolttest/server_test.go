// Package bolttest tests for the in-process Bolt server.
package bolttest

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

// mockExecutor implements QueryExecutor for testing.
type mockExecutor struct {
	executeFunc func(ctx context.Context, query string, params map[string]any) (*QueryResult, error)
}

func (m *mockExecutor) Execute(ctx context.Context, query string, params map[string]any) (*QueryResult, error) {
	if m.executeFunc != nil {
		return m.executeFunc(ctx, query, params)
	}
	return &QueryResult{
		Columns: []string{"n"},
		Rows:    [][]any{{"test"}},
	}, nil
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Version != 0x0504 {
		t.Errorf("expected version 5.4, got %04x", config.Version)
	}
	if len(config.Credentials) != 0 {
		t.Error("expected open authentication by default")
	}
}

func TestNew(t *testing.T) {
	t.Run("with config", func(t *testing.T) {
		server := New(&Config{Version: 0x0404}, &mockExecutor{})
		if server.config.Version != 0x0404 {
			t.Errorf("expected version 4.4, got %04x", server.config.Version)
		}
	})

	t.Run("with nil config", func(t *testing.T) {
		server := New(nil, &mockExecutor{})
		if server.config.Version != 0x0504 {
			t.Error("should use default config")
		}
	})
}

func TestMessageTypes(t *testing.T) {
	// Verify message type constants against the protocol.
	tests := []struct {
		name     string
		msgType  byte
		expected byte
	}{
		{"Hello", MsgHello, 0x01},
		{"Goodbye", MsgGoodbye, 0x02},
		{"Logon", MsgLogon, 0x6A},
		{"Logoff", MsgLogoff, 0x6B},
		{"Reset", MsgReset, 0x0F},
		{"Run", MsgRun, 0x10},
		{"Discard", MsgDiscard, 0x2F},
		{"Pull", MsgPull, 0x3F},
		{"Begin", MsgBegin, 0x11},
		{"Commit", MsgCommit, 0x12},
		{"Rollback", MsgRollback, 0x13},
		{"Route", MsgRoute, 0x66},
		{"Success", MsgSuccess, 0x70},
		{"Record", MsgRecord, 0x71},
		{"Ignored", MsgIgnored, 0x7E},
		{"Failure", MsgFailure, 0x7F},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.msgType != tt.expected {
				t.Errorf("expected 0x%02X, got 0x%02X", tt.expected, tt.msgType)
			}
		})
	}
}

func TestHandshakeVersionSelection(t *testing.T) {
	server := New(nil, &mockExecutor{})
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	conn, err := net.DialTimeout("tcp", server.Addr(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Preamble plus four proposals, 5.x with a minor range first.
	handshake := []byte{
		0x60, 0x60, 0xB0, 0x17,
		0x00, 0x07, 0x07, 0x05,
		0x00, 0x00, 0x00, 0x05,
		0x00, 0x01, 0x04, 0x04,
		0x00, 0x00, 0x00, 0x00,
	}
	if _, err := conn.Write(handshake); err != nil {
		t.Fatal(err)
	}

	var chosen [4]byte
	if _, err := io.ReadFull(conn, chosen[:]); err != nil {
		t.Fatal(err)
	}
	if chosen[3] != 5 || chosen[2] != 4 {
		t.Errorf("expected 5.4, got %d.%d", chosen[3], chosen[2])
	}
}

func TestHandshakeRejectsUnknownVersions(t *testing.T) {
	server := New(nil, &mockExecutor{})
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	conn, err := net.DialTimeout("tcp", server.Addr(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Only Bolt 3 offered.
	handshake := []byte{
		0x60, 0x60, 0xB0, 0x17,
		0x00, 0x00, 0x00, 0x03,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	if _, err := conn.Write(handshake); err != nil {
		t.Fatal(err)
	}

	var chosen [4]byte
	if _, err := io.ReadFull(conn, chosen[:]); err != nil {
		t.Fatal(err)
	}
	if binary.BigEndian.Uint32(chosen[:]) != 0 {
		t.Errorf("expected rejection, got %x", chosen)
	}
}

func TestServerClose(t *testing.T) {
	server := New(nil, &mockExecutor{})
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	server.Close()
	server.Close() // idempotent

	if _, err := net.DialTimeout("tcp", server.Addr(), 100*time.Millisecond); err == nil {
		t.Error("expected dial to a closed server to fail")
	}
}

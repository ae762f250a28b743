package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/pkg/acp/jsonrpc"
)

// fakePeer drives the other end of the pipe like a minimal ACP-speaking
// agent: it replies to initialize and tools/call, echoing back whatever the
// test script configures.
type fakePeer struct {
	toAdapter   io.Writer // peer's stdout, read by the adapter
	fromAdapter *bufio.Scanner
}

func newHarness(t *testing.T) (*Adapter, *fakePeer) {
	t.Helper()
	adapterStdinR, adapterStdinW := io.Pipe()   // adapter writes here, peer reads
	adapterStdoutR, adapterStdoutW := io.Pipe() // peer writes here, adapter reads

	rpc := jsonrpc.NewClient(adapterStdinW, adapterStdoutR, logger.Default())
	a := New(rpc, "agent-1", "session-1", logger.Default())

	scanner := bufio.NewScanner(adapterStdinR)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return a, &fakePeer{toAdapter: adapterStdoutW, fromAdapter: scanner}
}

func (p *fakePeer) readRequest(t *testing.T) map[string]interface{} {
	t.Helper()
	if !p.fromAdapter.Scan() {
		t.Fatalf("peer failed to read a line: %v", p.fromAdapter.Err())
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(p.fromAdapter.Bytes(), &msg); err != nil {
		t.Fatalf("peer failed to unmarshal line: %v", err)
	}
	return msg
}

func (p *fakePeer) respond(t *testing.T, id interface{}, result interface{}) {
	t.Helper()
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal peer result: %v", err)
	}
	resp := jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: raw}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to marshal peer response: %v", err)
	}
	if _, err := p.toAdapter.Write(append(data, '\n')); err != nil {
		t.Fatalf("failed to write peer response: %v", err)
	}
}

func doHandshake(t *testing.T, a *Adapter, peer *fakePeer, ctx context.Context) {
	t.Helper()
	done := make(chan struct{})
	var handshakeErr error
	go func() {
		_, handshakeErr = a.Initialize(ctx, ClientInfo{Name: "memnexus", Version: "test"})
		close(done)
	}()

	req := peer.readRequest(t)
	if req["method"] != jsonrpc.MethodInitialize {
		t.Fatalf("expected initialize request, got %v", req["method"])
	}
	peer.respond(t, req["id"], InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      ClientInfo{Name: "fake-agent", Version: "1.0"},
		Capabilities:    DefaultCapabilities(),
	})

	// the adapter now sends notifications/initialized; drain it.
	notif := peer.readRequest(t)
	if notif["method"] != jsonrpc.NotificationInitialized {
		t.Fatalf("expected notifications/initialized, got %v", notif["method"])
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
	if handshakeErr != nil {
		t.Fatalf("handshake failed: %v", handshakeErr)
	}
}

func TestInitializeHandshake(t *testing.T) {
	a, peer := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.rpc.Start(ctx)

	doHandshake(t, a, peer, ctx)
}

func TestCallToolBeforeInitializeFails(t *testing.T) {
	a, _ := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := a.CallTool(ctx, "memory_search", map[string]string{"query": "x"})
	if err == nil {
		t.Fatal("expected CallTool to fail before handshake completes")
	}
}

func TestCallToolRoundTrip(t *testing.T) {
	a, peer := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.rpc.Start(ctx)

	doHandshake(t, a, peer, ctx)

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := a.CallTool(ctx, "memory_search", map[string]string{"query": "hello"})
		resultCh <- result
		errCh <- err
	}()

	req := peer.readRequest(t)
	if req["method"] != jsonrpc.MethodToolsCall {
		t.Fatalf("expected tools/call, got %v", req["method"])
	}
	peer.respond(t, req["id"], map[string]interface{}{"memories": []string{}, "summary": "none"})

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("CallTool returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CallTool")
	}
}

func TestInboundToolsCallDispatchesRegisteredHandler(t *testing.T) {
	a, peer := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.rpc.Start(ctx)

	doHandshake(t, a, peer, ctx)

	called := make(chan string, 1)
	a.RegisterTool("echo", func(c toolCallContext, args json.RawMessage) (interface{}, error) {
		called <- c.AgentID()
		return map[string]string{"ok": "true"}, nil
	})

	reqID := 999
	data, _ := json.Marshal(jsonrpc.Request{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  jsonrpc.MethodToolsCall,
		Params:  mustMarshal(t, map[string]interface{}{"name": "echo"}),
	})
	if _, err := peer.toAdapter.Write(append(data, '\n')); err != nil {
		t.Fatalf("failed to write inbound request: %v", err)
	}

	select {
	case agentID := <-called:
		if agentID != "agent-1" {
			t.Errorf("expected agent-1, got %s", agentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("registered tool handler was not invoked")
	}

	resp := peer.readRequest(t)
	if resp["error"] != nil {
		t.Fatalf("expected a successful response, got %v", resp)
	}
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	return raw
}

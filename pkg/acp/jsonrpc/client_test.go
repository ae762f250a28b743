package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/memnexus/memnexus/internal/common/logger"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestClient(stdin io.Writer, stdout io.Reader) *Client {
	return NewClient(stdin, stdout, logger.Default())
}

func TestCallResolvesOnMatchingResponse(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdinR.Close()
	defer stdoutW.Close()

	c := newTestClient(stdinW, stdoutR)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Start(ctx)

	go func() {
		scanLine(stdinR) // drain the outbound request
		resp := `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}` + "\n"
		_, _ = stdoutW.Write([]byte(resp))
	}()

	resp, err := c.Call(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !result.OK {
		t.Error("expected ok=true in result")
	}
}

func TestNonJSONLineWrappedAsNotification(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdinR.Close()
	defer stdinW.Close()

	c := newTestClient(stdinW, stdoutR)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan string, 1)
	c.SetNotificationHandler(func(method string, params json.RawMessage) {
		if method == NotificationMessage {
			got <- string(params)
		}
	})
	c.Start(ctx)

	go func() {
		_, _ = stdoutW.Write([]byte("agent booting, not json at all\n"))
	}()

	select {
	case params := <-got:
		var payload struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(params), &payload); err != nil {
			t.Fatalf("expected valid JSON payload, got %s: %v", params, err)
		}
		if payload.Level != "info" {
			t.Errorf("expected level=info, got %q", payload.Level)
		}
		if payload.Message != "agent booting, not json at all" {
			t.Errorf("expected message to echo the raw line, got %q", payload.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a non-JSON line to be wrapped as notifications/message")
	}
}

func TestRequestWithNoHandlerRepliesMethodNotFound(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	c := newTestClient(stdinW, stdoutR)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Start(ctx)

	go func() {
		_, _ = stdoutW.Write([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}` + "\n"))
	}()

	line := scanLine(stdinR)
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("failed to unmarshal auto-reply: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Fatalf("expected MethodNotFound auto-reply, got %+v", resp)
	}
}

func TestCallUnblocksImmediatelyOnPeerStreamClose(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdinR.Close()

	c := newTestClient(stdinW, stdoutR)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Start(ctx)

	go func() {
		scanLine(stdinR) // drain the outbound request
		stdoutW.Close()  // simulate the peer process exiting
	}()

	start := time.Now()
	_, err := c.Call(ctx, "ping", nil)
	if err == nil {
		t.Fatal("expected an error after the peer stream closed")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Call took %v to unblock after peer closed, want near-immediate", elapsed)
	}
	if ctx.Err() != nil {
		t.Fatal("expected the call's own context to still be live, not the cause of the error")
	}
}

func scanLine(r io.Reader) string {
	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	return string(bytes.TrimRight(buf[:n], "\n"))
}

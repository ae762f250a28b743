package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/pkg/acp/jsonrpc"
)

// DefaultRequestTimeout guards a single outbound request absent a shorter
// deadline on the caller's context.
const DefaultRequestTimeout = 30 * time.Second

// DefaultPromptTimeout guards an entire SendPrompt stream against a peer
// that never signals completion (spec §9 open question).
const DefaultPromptTimeout = 120 * time.Second

// toolCallContext is passed to a ToolHandler so it can see which agent and
// session issued the call without threading extra parameters everywhere.
type toolCallContext struct {
	ctx       context.Context
	agentID   string
	sessionID string
}

func (c toolCallContext) Context() context.Context { return c.ctx }
func (c toolCallContext) AgentID() string           { return c.agentID }
func (c toolCallContext) SessionID() string         { return c.sessionID }

// Adapter is one JSON-RPC 2.0 connection to an agent's stdio, handling the
// handshake, outbound prompt/tool calls, and inbound tool-call dispatch.
type Adapter struct {
	rpc       *jsonrpc.Client
	agentID   string
	sessionID string
	log       *logger.Logger

	initMu      sync.Mutex
	initialized bool

	// promptMu serialises prompts on this connection: the wire contract
	// requires sends not interleave, even though reads may.
	promptMu sync.Mutex

	streamsMu sync.Mutex
	streams   map[string]chan PromptEvent

	toolsMu sync.RWMutex
	tools   map[string]ToolHandler

	onNotify func(method string, params json.RawMessage)
}

// New wraps an already-connected jsonrpc.Client as a protocol Adapter bound
// to one agent within one session.
func New(rpc *jsonrpc.Client, agentID, sessionID string, log *logger.Logger) *Adapter {
	a := &Adapter{
		rpc:       rpc,
		agentID:   agentID,
		sessionID: sessionID,
		log:       log.WithFields(zap.String("component", "acp_adapter"), zap.String("agent_id", agentID)),
		streams:   make(map[string]chan PromptEvent),
		tools:     make(map[string]ToolHandler),
	}
	rpc.SetNotificationHandler(a.handleNotification)
	rpc.SetRequestHandler(a.handleRequest)
	return a
}

// RegisterTool adds a handler for an inbound tools/call request by name.
// The core registers memory_search and memory_store here.
func (a *Adapter) RegisterTool(name string, handler ToolHandler) {
	a.toolsMu.Lock()
	defer a.toolsMu.Unlock()
	a.tools[name] = handler
}

// OnNotification sets the callback for notifications not otherwise consumed
// by the adapter itself (e.g. to push onto the memory sync bus).
func (a *Adapter) OnNotification(fn func(method string, params json.RawMessage)) {
	a.onNotify = fn
}

// Initialize performs the handshake: send initialize with our capabilities,
// await the peer's, then send notifications/initialized. Until this
// completes, SendPrompt and CallTool fail with NotInitialized.
func (a *Adapter) Initialize(ctx context.Context, clientInfo ClientInfo) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      clientInfo,
		Capabilities:    DefaultCapabilities(),
	}

	resp, err := a.rpc.Call(ctx, jsonrpc.MethodInitialize, params)
	if err != nil {
		return nil, errors.NewProtocolError("initialize call failed", err)
	}
	if resp.Error != nil {
		return nil, errors.NewProtocolError("peer rejected initialize", resp.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, errors.NewProtocolError("malformed initialize result", err)
	}

	if err := a.rpc.Notify(jsonrpc.NotificationInitialized, nil); err != nil {
		return nil, errors.NewProtocolError("failed to send notifications/initialized", err)
	}

	a.initMu.Lock()
	a.initialized = true
	a.initMu.Unlock()

	a.log.Info("acp handshake complete", zap.String("peer", result.ServerInfo.Name))
	return &result, nil
}

func (a *Adapter) requireInitialized() error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if !a.initialized {
		return errors.NewNotInitialized()
	}
	return nil
}

// promptPushParams is the shape of a peer-pushed intermediate or terminal
// prompt event, correlated to the originating SendPrompt call by streamId.
type promptPushParams struct {
	StreamID string          `json:"streamId"`
	Type     string          `json:"type"`
	Kind     string          `json:"kind"`
	Text     string          `json:"text,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// SendPrompt issues prompts/request and streams PromptEvent values on the
// returned channel, in the order the peer wrote them, until it signals
// completion or DefaultPromptTimeout elapses. The channel is always closed
// exactly once. Prompts on this connection are serialised: a second
// SendPrompt call blocks until the first's stream finishes.
func (a *Adapter) SendPrompt(ctx context.Context, text string, promptContext json.RawMessage) (<-chan PromptEvent, error) {
	if err := a.requireInitialized(); err != nil {
		return nil, err
	}

	streamID := uuid.New().String()
	out := make(chan PromptEvent, 16)

	a.streamsMu.Lock()
	a.streams[streamID] = out
	a.streamsMu.Unlock()

	params := promptRequestParams{Text: text, Context: promptContext}
	wireParams := struct {
		StreamID string `json:"streamId"`
		promptRequestParams
	}{StreamID: streamID, promptRequestParams: params}

	deadlineCtx, cancel := context.WithTimeout(ctx, DefaultPromptTimeout)

	a.promptMu.Lock()
	go func() {
		defer a.finalizeStream(streamID)
		defer a.promptMu.Unlock()
		defer cancel()

		resp, err := a.rpc.Call(deadlineCtx, jsonrpc.MethodPromptsRequest, wireParams)
		if err != nil {
			a.emit(streamID, PromptEvent{Kind: PromptEventError, Err: err.Error(), Final: true})
			return
		}
		if resp.Error != nil {
			a.emit(streamID, PromptEvent{Kind: PromptEventError, Err: resp.Error.Message, Final: true})
			return
		}
		a.emit(streamID, PromptEvent{Kind: PromptEventMessage, Result: resp.Result, Final: true})
	}()

	return out, nil
}

func (a *Adapter) emit(streamID string, evt PromptEvent) {
	a.streamsMu.Lock()
	ch, ok := a.streams[streamID]
	a.streamsMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- evt:
	default:
		a.log.Warn("dropped prompt event, consumer too slow", zap.String("stream_id", streamID))
	}
}

func (a *Adapter) finalizeStream(streamID string) {
	a.streamsMu.Lock()
	ch, ok := a.streams[streamID]
	if ok {
		delete(a.streams, streamID)
	}
	a.streamsMu.Unlock()
	if ok {
		close(ch)
	}
}

// CallTool issues a tools/call request and returns the raw result payload.
func (a *Adapter) CallTool(ctx context.Context, name string, args interface{}) (json.RawMessage, error) {
	if err := a.requireInitialized(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	params := toolCallParams{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, errors.NewProtocolError("failed to marshal tool args", err)
		}
		params.Args = raw
	}

	resp, err := a.rpc.Call(callCtx, jsonrpc.MethodToolsCall, params)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, errors.NewRequestTimeout(jsonrpc.MethodToolsCall)
		}
		return nil, errors.NewPeerClosed(err.Error())
	}
	if resp.Error != nil {
		return nil, errors.NewProtocolError(fmt.Sprintf("tool %s failed", name), resp.Error)
	}
	return resp.Result, nil
}

// Ping issues the liveness-check method.
func (a *Adapter) Ping(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	resp, err := a.rpc.Call(callCtx, jsonrpc.MethodPing, nil)
	if err != nil {
		return errors.NewPeerClosed(err.Error())
	}
	if resp.Error != nil {
		return errors.NewProtocolError("ping failed", resp.Error)
	}
	return nil
}

// Close tears down every pending prompt stream and stops the underlying
// JSON-RPC client.
func (a *Adapter) Close() {
	a.streamsMu.Lock()
	for id, ch := range a.streams {
		close(ch)
		delete(a.streams, id)
	}
	a.streamsMu.Unlock()
	a.rpc.Stop()
}

func (a *Adapter) handleNotification(method string, params json.RawMessage) {
	switch method {
	case jsonrpc.MethodPromptsRequest:
		a.handlePromptPush(params)
	default:
		if a.onNotify != nil {
			a.onNotify(method, params)
		}
	}
}

func (a *Adapter) handlePromptPush(raw json.RawMessage) {
	var evt promptPushParams
	if err := json.Unmarshal(raw, &evt); err != nil {
		a.log.Warn("malformed prompt stream push", zap.Error(err))
		return
	}

	if evt.Type == "completion" {
		a.emit(evt.StreamID, PromptEvent{Kind: PromptEventMessage, Result: evt.Result, Final: true})
		a.finalizeStream(evt.StreamID)
		return
	}

	a.emit(evt.StreamID, PromptEvent{
		Kind:   PromptEventKind(evt.Kind),
		Text:   evt.Text,
		Tool:   evt.Tool,
		Args:   evt.Args,
		Result: evt.Result,
		Err:    evt.Error,
	})
}

func (a *Adapter) handleRequest(id interface{}, method string, params json.RawMessage) {
	if method != jsonrpc.MethodToolsCall {
		a.log.Warn("unsupported inbound method", zap.String("method", method))
		_ = a.rpc.SendResponse(id, nil, &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: fmt.Sprintf("method not found: %s", method)})
		return
	}

	var call toolCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		_ = a.rpc.SendResponse(id, nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: "malformed tools/call params"})
		return
	}

	a.toolsMu.RLock()
	handler, ok := a.tools[call.Name]
	a.toolsMu.RUnlock()
	if !ok {
		_ = a.rpc.SendResponse(id, nil, &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: fmt.Sprintf("unknown tool: %s", call.Name)})
		return
	}

	result, err := handler(toolCallContext{ctx: context.Background(), agentID: a.agentID, sessionID: a.sessionID}, call.Args)
	if err != nil {
		_ = a.rpc.SendResponse(id, nil, &jsonrpc.Error{Code: jsonrpc.InternalError, Message: err.Error()})
		return
	}
	if err := a.rpc.SendResponse(id, result, nil); err != nil {
		a.log.Warn("failed to send tool call response", zap.String("tool", call.Name), zap.Error(err))
	}
}

package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/acp"
	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/memory"
	"github.com/memnexus/memnexus/internal/memory/store"
	"github.com/memnexus/memnexus/internal/supervisor"
	"github.com/memnexus/memnexus/pkg/acp/jsonrpc"
)

// defaultCommands maps the short CLI names (claude-code, aider, codex) that
// LaunchAgent accepts to the executable it spawns; any other name is used
// as the command unchanged.
var defaultCommands = map[string]string{
	"claude-code": "claude",
	"aider":       "aider",
	"codex":       "codex",
}

func resolveCommand(cli string) string {
	if cmd, ok := defaultCommands[cli]; ok {
		return cmd
	}
	return cli
}

// SyncPublisher is the subset of bus.Bus the manager fans memory events
// out through.
type SyncPublisher interface {
	Publish(sessionID string, event memory.SyncEvent)
}

// LaunchAgentRequest describes an agent to spawn. Role, when set, makes
// the agent eligible for the Orchestrator Engine's role-based selection;
// an empty Role still launches the process but leaves it out of that
// selection pool (useful for a bare assistant/chat agent).
type LaunchAgentRequest struct {
	Role       Role
	CLI        string
	Name       string
	WorkingDir string
	Env        map[string]string
}

// LaunchResult is what callers of LaunchAgent see: either a running
// descriptor or an error string, mirroring the original's "{...} or
// {error}" return shape.
type LaunchResult struct {
	AgentID string
	Name    string
	CLI     string
	Status  string
	PID     int
	Error   string
}

type runtimeAgent struct {
	agent   *Agent
	handle  supervisor.Handle
	adapter *acp.Adapter
}

// Manager owns session and agent lifecycle: in-memory session records,
// the per-session lists of agents launched through one shared supervisor,
// and the protocol adapters wired to each launched agent's stdio.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	agents   map[string][]*runtimeAgent // by session id

	supervisor supervisor.Supervisor
	store      store.Store
	bus        SyncPublisher
	log        *logger.Logger
}

// NewManager returns a Manager wired to its collaborators.
func NewManager(sv supervisor.Supervisor, st store.Store, bus SyncPublisher, log *logger.Logger) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		agents:     make(map[string][]*runtimeAgent),
		supervisor: sv,
		store:      st,
		bus:        bus,
		log:        log.WithFields(zap.String("component", "session-manager")),
	}
}

// Create starts a new session in the created state.
func (m *Manager) Create(name, description string, strategy Strategy, workDir string) *Session {
	s := &Session{
		ID:        uuid.New().String()[:8],
		Name:      name,
		Status:    StatusCreated,
		Strategy:  strategy,
		WorkDir:   workDir,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	return s
}

// Get returns the session with id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ListAll returns every tracked session.
func (m *Manager) ListAll() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// UpdateStatus transitions a session's status.
func (m *Manager) UpdateStatus(id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errors.NewNotFound("session", id)
	}
	s.Status = status
	s.UpdatedAt = time.Now()
	return nil
}

// Delete stops every launched agent in the session (grace period 5s) and
// removes the session and its runtime agents. Memory records for the
// session are retained for history.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	runtimes, ok := m.agents[id]
	if _, exists := m.sessions[id]; !exists {
		m.mu.Unlock()
		return errors.NewNotFound("session", id)
	}
	delete(m.sessions, id)
	delete(m.agents, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	var wg sync.WaitGroup
	for _, rt := range runtimes {
		wg.Add(1)
		go func(h supervisor.Handle) {
			defer wg.Done()
			if err := h.Stop(ctx, 5*time.Second); err != nil {
				m.log.Warn("error stopping agent during session delete", zap.Error(err))
			}
		}(rt.handle)
	}
	wg.Wait()

	return nil
}

// LaunchAgent spawns the child through the Manager's shared supervisor,
// wires its output into the memory store, starts the ACP
// handshake, and registers the built-in memory tools. The subprocess's
// stdout is demultiplexed into JSON-RPC frames for the Adapter; stderr
// lines are stored as agent_output records.
func (m *Manager) LaunchAgent(ctx context.Context, sessionID string, req LaunchAgentRequest) *LaunchResult {
	sess, ok := m.Get(sessionID)
	if !ok {
		return &LaunchResult{Error: fmt.Sprintf("session %s not found", sessionID)}
	}

	workDir := req.WorkingDir
	if workDir == "" {
		workDir = sess.WorkDir
	}

	agentID := uuid.New().String()[:8]
	stdoutR, stdoutW := io.Pipe()

	cfg := supervisor.AgentConfig{
		AgentID:    agentID,
		SessionID:  sessionID,
		AgentName:  req.Name,
		Command:    resolveCommand(req.CLI),
		WorkDir:    workDir,
		EnvOverlay: req.Env,
	}

	onOutput := func(line supervisor.OutputLine) {
		if line.Stream == supervisor.StreamStdout {
			if _, err := stdoutW.Write([]byte(line.Line + "\n")); err != nil {
				m.log.Warn("failed to forward agent stdout to protocol reader", zap.Error(err))
			}
			return
		}
		m.storeOutput(ctx, sessionID, req.Name, line.Line)
	}

	handle, err := m.supervisor.Spawn(ctx, cfg, onOutput)
	if err != nil {
		return &LaunchResult{Error: err.Error()}
	}

	rpc := jsonrpc.NewClient(&handleWriter{ctx: ctx, handle: handle}, stdoutR, m.log)
	adapter := acp.New(rpc, agentID, sessionID, m.log)
	acp.RegisterMemoryTools(adapter, sessionID, m.store)
	rpc.Start(ctx)

	go func() {
		handshakeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := adapter.Initialize(handshakeCtx, acp.ClientInfo{Name: "memnexus", Version: "1.0"}); err != nil {
			m.log.Warn("agent handshake failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}()

	agent := &Agent{
		ID:        agentID,
		SessionID: sessionID,
		Role:      req.Role,
		Command:   cfg.Command,
		WorkDir:   workDir,
		Env:       req.Env,
		Status:    AgentIdle,
		PID:       handle.PID(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	m.mu.Lock()
	sess.AgentIDs = append(sess.AgentIDs, agentID)
	m.agents[sessionID] = append(m.agents[sessionID], &runtimeAgent{agent: agent, handle: handle, adapter: adapter})
	m.mu.Unlock()

	return &LaunchResult{
		AgentID: agentID,
		Name:    req.Name,
		CLI:     req.CLI,
		Status:  "running",
		PID:     handle.PID(),
	}
}

// AcquireIdleAgent returns the protocol adapter for an idle agent of role
// in sessionID, marking it assigned. Callers are expected to set it back
// to idle (ReleaseAgent) once the task finishes.
func (m *Manager) AcquireIdleAgent(sessionID string, role Role) (*acp.Adapter, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rt := range m.agents[sessionID] {
		if rt.agent.Role == role && rt.agent.Status == AgentIdle {
			rt.agent.Status = AgentCoding
			rt.agent.UpdatedAt = time.Now()
			return rt.adapter, rt.agent.ID, true
		}
	}
	return nil, "", false
}

// ReleaseAgent returns a previously acquired agent to idle.
func (m *Manager) ReleaseAgent(sessionID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rt := range m.agents[sessionID] {
		if rt.agent.ID == agentID {
			rt.agent.Status = AgentIdle
			rt.agent.UpdatedAt = time.Now()
			return
		}
	}
}

// Agents returns the agent records registered for a session.
func (m *Manager) Agents(sessionID string) []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents[sessionID]))
	for _, rt := range m.agents[sessionID] {
		out = append(out, rt.agent)
	}
	return out
}

func (m *Manager) storeOutput(ctx context.Context, sessionID, agentName, content string) {
	if m.store == nil {
		return
	}
	record := &memory.Record{
		Content:   content,
		Source:    agentName,
		SessionID: sessionID,
		Type:      memory.TypeAgentOutput,
		Timestamp: time.Now(),
	}
	id, err := m.store.Add(ctx, record)
	if err != nil {
		m.log.Warn("failed to store agent output", zap.Error(err))
		return
	}
	record.ID = id
	if m.bus != nil {
		m.bus.Publish(sessionID, memory.SyncEvent{
			Type: memory.EventCreated, SessionID: sessionID, Memory: *record,
			Source: agentName, Timestamp: time.Now(),
		})
	}
}

// SearchContext proxies to the memory store, truncating content to 200
// characters per result as the original context search did.
func (m *Manager) SearchContext(ctx context.Context, sessionID, query string, limit int) ([]memory.Record, error) {
	if m.store == nil {
		return nil, errors.NewStoreUnavailable("no memory store configured", nil)
	}
	results, err := m.store.Search(ctx, query, limit, sessionID, "")
	if err != nil {
		return nil, err
	}
	for i := range results {
		if len(results[i].Content) > 200 {
			results[i].Content = results[i].Content[:200]
		}
	}
	return results, nil
}

// handleWriter adapts a supervisor.Handle's line-oriented Send into the
// io.Writer jsonrpc.Client expects for its outbound frames, stripping the
// trailing newline Client already appends since Send adds its own.
type handleWriter struct {
	ctx    context.Context
	handle supervisor.Handle
}

func (w *handleWriter) Write(p []byte) (int, error) {
	line := string(p)
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if err := w.handle.Send(w.ctx, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

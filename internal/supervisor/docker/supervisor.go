package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/config"
	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/supervisor"
)

const (
	labelManaged   = "memnexus.managed"
	labelAgentID   = "memnexus.agent_id"
	labelSessionID = "memnexus.session_id"
)

// DefaultImages maps an agent's role-neutral command name to the container
// image that runs it. A cfg.Command not in this map is used as the image
// name unchanged.
var DefaultImages = map[string]string{
	"claude-code": "memnexus/agent-claude-code:latest",
	"aider":       "memnexus/agent-aider:latest",
	"codex":       "memnexus/agent-codex:latest",
}

// Supervisor runs agents as short-lived Docker containers, one image per
// agent type, supervised through the Docker SDK instead of raw OS processes.
// It satisfies the same supervisor.Supervisor interface as the process
// backend so the orchestrator can select either at startup.
type Supervisor struct {
	client *Client
	cfg    config.DockerConfig

	mu      sync.RWMutex
	handles map[string]*containerHandle

	log *logger.Logger
}

var _ supervisor.Supervisor = (*Supervisor)(nil)

// New creates a Docker-backed Supervisor, failing fast if the daemon is
// unreachable.
func New(ctx context.Context, cfg config.DockerConfig, log *logger.Logger) (*Supervisor, error) {
	cli, err := NewClient(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, errors.NewStoreUnavailable("docker daemon unreachable", err)
	}
	return &Supervisor{
		client:  cli,
		cfg:     cfg,
		handles: make(map[string]*containerHandle),
		log:     log.WithFields(zap.String("component", "docker_supervisor")),
	}, nil
}

type containerHandle struct {
	agentID     string
	containerID string
	client      *Client
	attach      *AttachResult

	log *logger.Logger

	exitMu   sync.Mutex
	exitInfo *supervisor.ExitInfo
	exited   chan struct{}

	readerDone sync.WaitGroup
}

func resolveImage(command string) string {
	if image, ok := DefaultImages[command]; ok {
		return image
	}
	return command
}

// Spawn creates, attaches to, and starts a container for cfg, tagged with
// agent and session labels for later discovery via ListContainers.
func (s *Supervisor) Spawn(ctx context.Context, cfg supervisor.AgentConfig, onOutput supervisor.OutputCallback) (supervisor.Handle, error) {
	env := make([]string, 0, len(cfg.EnvOverlay)+3)
	for k, v := range cfg.EnvOverlay {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		fmt.Sprintf("SESSION_ID=%s", cfg.SessionID),
		fmt.Sprintf("AGENT_NAME=%s", cfg.AgentName),
		"ENABLED=1",
	)

	name := fmt.Sprintf("memnexus-agent-%s-%s", cfg.AgentID, uuid.New().String()[:8])
	containerCfg := ContainerConfig{
		Name:       name,
		Image:      resolveImage(cfg.Command),
		Cmd:        cfg.Args,
		Env:        env,
		WorkingDir: cfg.WorkDir,
		Labels: map[string]string{
			labelManaged:   "true",
			labelAgentID:   cfg.AgentID,
			labelSessionID: cfg.SessionID,
		},
	}

	containerID, err := s.client.CreateContainer(ctx, containerCfg)
	if err != nil {
		return nil, errors.NewAgentUnavailable(cfg.Command)
	}

	attach, err := s.client.AttachContainer(ctx, containerID)
	if err != nil {
		_ = s.client.RemoveContainer(ctx, containerID)
		return nil, errors.NewInternal("failed to attach agent container", err)
	}

	if err := s.client.StartContainer(ctx, containerID); err != nil {
		_ = attach.Close()
		_ = s.client.RemoveContainer(ctx, containerID)
		return nil, errors.NewAgentUnavailable(cfg.Command)
	}

	h := &containerHandle{
		agentID:     cfg.AgentID,
		containerID: containerID,
		client:      s.client,
		attach:      attach,
		log:         s.log.WithAgent(cfg.AgentID),
		exited:      make(chan struct{}),
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, attach.Stdout)
		_ = stdoutW.Close()
		_ = stderrW.Close()
	}()

	h.readerDone.Add(2)
	go h.readLines(stdoutR, supervisor.StreamStdout, onOutput)
	go h.readLines(stderrR, supervisor.StreamStderr, onOutput)
	go h.wait(context.Background())

	s.mu.Lock()
	s.handles[cfg.AgentID] = h
	s.mu.Unlock()

	h.log.Info("agent container spawned", zap.String("container_id", containerID), zap.String("image", containerCfg.Image))
	return h, nil
}

// Get returns the Handle for a previously spawned agent, if still tracked.
func (s *Supervisor) Get(agentID string) (supervisor.Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[agentID]
	return h, ok
}

// Shutdown stops and removes every tracked container.
func (s *Supervisor) Shutdown(ctx context.Context, gracePeriod time.Duration) {
	s.mu.RLock()
	handles := make([]*containerHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *containerHandle) {
			defer wg.Done()
			_ = h.Stop(ctx, gracePeriod)
		}(h)
	}
	wg.Wait()
	_ = s.client.Close()
}

func (h *containerHandle) AgentID() string { return h.agentID }

// PID has no meaning for a container backend; agents are identified by
// container id instead.
func (h *containerHandle) PID() int { return 0 }

// Send writes message+"\n" to the container's attached stdin.
func (h *containerHandle) Send(ctx context.Context, message string) error {
	if _, err := io.WriteString(h.attach.Stdin, message+"\n"); err != nil {
		return errors.NewSendFailed(h.agentID, err)
	}
	return nil
}

// Stop issues a graceful ContainerStop, falling back to KillContainer if it
// does not exit within gracePeriod, then removes the container.
func (h *containerHandle) Stop(ctx context.Context, gracePeriod time.Duration) error {
	select {
	case <-h.exited:
		h.readerDone.Wait()
		_ = h.attach.Close()
		_ = h.client.RemoveContainer(context.Background(), h.containerID)
		return nil
	default:
	}

	if err := h.client.StopContainer(ctx, h.containerID, gracePeriod); err != nil {
		_ = h.client.KillContainer(ctx, h.containerID, "SIGKILL")
	}

	select {
	case <-h.exited:
	case <-time.After(gracePeriod + 5*time.Second):
		_ = h.client.KillContainer(ctx, h.containerID, "SIGKILL")
		<-h.exited
	}

	h.readerDone.Wait()
	_ = h.attach.Close()
	_ = h.client.RemoveContainer(context.Background(), h.containerID)
	return nil
}

// Wait blocks until the container exits.
func (h *containerHandle) Wait(ctx context.Context) supervisor.ExitInfo {
	select {
	case <-h.exited:
		h.exitMu.Lock()
		defer h.exitMu.Unlock()
		return *h.exitInfo
	case <-ctx.Done():
		return supervisor.ExitInfo{AgentID: h.agentID, Err: ctx.Err()}
	}
}

func (h *containerHandle) wait(ctx context.Context) {
	exitCode, err := h.client.WaitContainer(ctx, h.containerID)
	info := &supervisor.ExitInfo{AgentID: h.agentID, ExitCode: int(exitCode)}
	if err != nil {
		info.Err = err
	}

	h.exitMu.Lock()
	h.exitInfo = info
	h.exitMu.Unlock()
	close(h.exited)

	h.log.Info("agent container exited", zap.Int("exit_code", int(exitCode)))
}

func (h *containerHandle) readLines(r io.ReadCloser, stream supervisor.Stream, onOutput supervisor.OutputCallback) {
	defer h.readerDone.Done()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onOutput != nil {
			onOutput(supervisor.OutputLine{
				AgentID: h.agentID,
				Stream:  stream,
				Line:    scanner.Text(),
				At:      time.Now().UTC(),
			})
		}
	}
}

package supervisor

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/common/logger"
)

// ProcessSupervisor spawns agents as raw OS subprocesses via os/exec. It is
// the only component that touches the *exec.Cmd or *os.Process objects;
// everything else interacts through the Handle interface.
type ProcessSupervisor struct {
	mu      sync.RWMutex
	handles map[string]*processHandle
	log     *logger.Logger
}

var _ Supervisor = (*ProcessSupervisor)(nil)

// NewProcessSupervisor creates an empty ProcessSupervisor.
func NewProcessSupervisor(log *logger.Logger) *ProcessSupervisor {
	return &ProcessSupervisor{
		handles: make(map[string]*processHandle),
		log:     log.WithFields(zap.String("component", "process_supervisor")),
	}
}

type processHandle struct {
	agentID string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdinMu sync.Mutex

	log *logger.Logger

	exitMu   sync.Mutex
	exitInfo *ExitInfo
	exited   chan struct{}

	readersDone sync.WaitGroup
	stopSignal  chan struct{}
	stopOnce    sync.Once
}

// Spawn resolves cfg.Command on PATH, starts it with three piped streams,
// and transitions it to running before returning.
func (s *ProcessSupervisor) Spawn(ctx context.Context, cfg AgentConfig, onOutput OutputCallback) (Handle, error) {
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, errors.NewAgentUnavailable(cfg.Command)
	}

	cmd := exec.Command(path, cfg.Args...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	cmd.Env = mergeEnv(baseEnv(cfg))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.NewInternal("failed to attach agent stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.NewInternal("failed to attach agent stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.NewInternal("failed to attach agent stderr", err)
	}

	h := &processHandle{
		agentID:    cfg.AgentID,
		cmd:        cmd,
		stdin:      stdin,
		log:        s.log.WithAgent(cfg.AgentID),
		exited:     make(chan struct{}),
		stopSignal: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.NewAgentUnavailable(cfg.Command)
	}

	h.readersDone.Add(2)
	go h.readLines(stdout, StreamStdout, onOutput)
	go h.readLines(stderr, StreamStderr, onOutput)
	go h.wait()

	s.mu.Lock()
	s.handles[cfg.AgentID] = h
	s.mu.Unlock()

	h.log.Info("agent process spawned", zap.Int("pid", cmd.Process.Pid))
	return h, nil
}

// Get returns the Handle for agentID, if still tracked.
func (s *ProcessSupervisor) Get(agentID string) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[agentID]
	return h, ok
}

// Shutdown stops every tracked agent with the given grace period.
func (s *ProcessSupervisor) Shutdown(ctx context.Context, gracePeriod time.Duration) {
	s.mu.RLock()
	handles := make([]*processHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *processHandle) {
			defer wg.Done()
			_ = h.Stop(ctx, gracePeriod)
		}(h)
	}
	wg.Wait()
}

func (h *processHandle) AgentID() string { return h.agentID }

func (h *processHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Send writes message+"\n" to stdin and flushes it.
func (h *processHandle) Send(ctx context.Context, message string) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()

	if _, err := io.WriteString(h.stdin, message+"\n"); err != nil {
		return errors.NewSendFailed(h.agentID, err)
	}
	if f, ok := h.stdin.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
	return nil
}

// Stop sends SIGTERM to the process group, waits up to gracePeriod, then
// SIGKILLs. It blocks until the process is reaped and reader goroutines exit.
func (h *processHandle) Stop(ctx context.Context, gracePeriod time.Duration) error {
	h.stopOnce.Do(func() { close(h.stopSignal) })

	if h.cmd.Process != nil {
		pgid, err := syscall.Getpgid(h.cmd.Process.Pid)
		sendSignal := func(sig syscall.Signal) {
			if err == nil {
				_ = syscall.Kill(-pgid, sig)
			} else {
				_ = h.cmd.Process.Signal(sig)
			}
		}

		sendSignal(syscall.SIGTERM)

		select {
		case <-ctx.Done():
			sendSignal(syscall.SIGKILL)
		case <-time.After(gracePeriod):
			sendSignal(syscall.SIGKILL)
		case <-h.exited:
			h.readersDone.Wait()
			return nil
		}
	}

	<-h.exited
	h.readersDone.Wait()
	return nil
}

// Wait blocks until the process exits.
func (h *processHandle) Wait(ctx context.Context) ExitInfo {
	select {
	case <-h.exited:
		h.exitMu.Lock()
		defer h.exitMu.Unlock()
		return *h.exitInfo
	case <-ctx.Done():
		return ExitInfo{AgentID: h.agentID, Err: ctx.Err()}
	}
}

func (h *processHandle) wait() {
	err := h.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = ws.ExitStatus()
			} else {
				exitCode = 1
			}
		} else {
			exitCode = 1
		}
	}

	h.exitMu.Lock()
	h.exitInfo = &ExitInfo{AgentID: h.agentID, ExitCode: exitCode}
	h.exitMu.Unlock()
	close(h.exited)

	h.log.Info("agent process exited", zap.Int("exit_code", exitCode))
}

func (h *processHandle) readLines(r io.ReadCloser, stream Stream, onOutput OutputCallback) {
	defer h.readersDone.Done()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onOutput != nil {
			onOutput(OutputLine{
				AgentID: h.agentID,
				Stream:  stream,
				Line:    scanner.Text(),
				At:      time.Now().UTC(),
			})
		}
	}
}

// mergeEnv merges overlay onto the parent process environment, in
// "KEY=VALUE" form as required by exec.Cmd.Env.
func mergeEnv(overlay map[string]string) []string {
	base := make(map[string]string, len(os.Environ())+len(overlay))
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				base[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range overlay {
		base[k] = v
	}

	result := make([]string, 0, len(base))
	for k, v := range base {
		result = append(result, k+"="+v)
	}
	return result
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/memnexus/memnexus/internal/acp"
	"github.com/memnexus/memnexus/internal/common/logger"
	"go.uber.org/zap"
)

// maxContextChars caps how much of a completed dependency's result is
// folded into a downstream task's prompt.
const maxContextChars = 500

// AgentConnection is the subset of the Protocol Adapter the executor needs
// to run a task: send a prompt, stream back events.
type AgentConnection interface {
	SendPrompt(ctx context.Context, text string, promptContext json.RawMessage) (<-chan acp.PromptEvent, error)
}

// ProgressFunc receives a task id and a status payload on every
// significant step of a task's execution.
type ProgressFunc func(taskID string, data map[string]interface{})

// TaskExecutor runs individual tasks against an agent connection.
type TaskExecutor struct {
	onProgress ProgressFunc
	log        *logger.Logger
}

// NewTaskExecutor returns a TaskExecutor that reports through onProgress.
func NewTaskExecutor(onProgress ProgressFunc, log *logger.Logger) *TaskExecutor {
	return &TaskExecutor{onProgress: onProgress, log: log.WithFields(zap.String("component", "task-executor"))}
}

// Execute runs task against conn and returns true on success. On failure
// it sets task.Error but leaves retry/terminal state decisions to the
// caller (the engine owns the retry policy).
func (e *TaskExecutor) Execute(ctx context.Context, task *Task, conn AgentConnection, previousResults map[string]string) bool {
	task.State = StateRunning
	now := time.Now()
	task.StartedAt = &now

	prompt := e.buildPrompt(task, previousResults)
	e.notify(task.ID, "started", map[string]interface{}{"prompt": truncate(prompt, 200)})

	events, err := conn.SendPrompt(ctx, prompt, nil)
	if err != nil {
		task.Error = err.Error()
		return false
	}

	var parts []string
	for evt := range events {
		switch evt.Kind {
		case acp.PromptEventMessage:
			if evt.Text != "" {
				parts = append(parts, evt.Text)
			}
		case acp.PromptEventError:
			task.Error = evt.Err
			return false
		}
		if evt.Final {
			break
		}
	}

	result := strings.Join(parts, "\n")
	task.Result = result
	task.State = StateCompleted
	completed := time.Now()
	task.CompletedAt = &completed

	e.notify(task.ID, "completed", map[string]interface{}{"result": truncate(result, 500)})
	return true
}

func (e *TaskExecutor) buildPrompt(task *Task, previousResults map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n", task.Name)

	if task.Description != "" {
		fmt.Fprintf(&b, "\n## Description\n%s\n", task.Description)
	}

	if len(previousResults) > 0 {
		b.WriteString("\n## Context from Previous Tasks\n")
		for _, depID := range task.Dependencies {
			result, ok := previousResults[depID]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "### %s\n%s...\n", depID, truncate(result, maxContextChars))
		}
	}

	fmt.Fprintf(&b, "\n## Instructions\n%s\n", task.Prompt)
	return b.String()
}

func (e *TaskExecutor) notify(taskID, status string, data map[string]interface{}) {
	if e.onProgress == nil {
		return
	}
	payload := map[string]interface{}{"status": status}
	for k, v := range data {
		payload[k] = v
	}
	e.onProgress(taskID, payload)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

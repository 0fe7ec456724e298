package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"gantry/internal/domain"
)

// Worker executes one reserved task. Returning nil reports the task
// completed; any error reports it failed and lets the retry policy
// decide what happens next.
type Worker interface {
	Execute(ctx context.Context, task domain.Task, attempt int) error
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, task domain.Task, attempt int) error

func (f WorkerFunc) Execute(ctx context.Context, task domain.Task, attempt int) error {
	return f(ctx, task, attempt)
}

// ExecWorker runs a subprocess per task. Task identity travels in the
// environment so the command can call back into gantry to attach
// artifacts or reviews before exiting. A non-zero exit fails the task.
type ExecWorker struct {
	Command string
	Args    []string
	Timeout time.Duration
	Stdout  *os.File
	Stderr  *os.File
}

func (w ExecWorker) Execute(ctx context.Context, task domain.Task, attempt int) error {
	if w.Command == "" {
		return fmt.Errorf("exec worker: no command configured")
	}
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, w.Command, w.Args...)
	cmd.Env = append(os.Environ(),
		"GANTRY_TASK_ID="+task.ID,
		"GANTRY_PROJECT_ID="+task.ProjectID,
		"GANTRY_STAGE="+task.Stage,
		"GANTRY_TASK_TITLE="+task.Title,
		"GANTRY_ATTEMPT="+strconv.Itoa(attempt),
	)
	cmd.Stdout = w.Stdout
	cmd.Stderr = w.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("exec worker: %s: %w", w.Command, err)
	}
	return nil
}

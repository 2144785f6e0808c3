package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

// ErrActionFatal means an action could not be confirmed after every retry
var ErrActionFatal = errors.New("action fatal")

const (
	defaultActionTimeout = 30 * time.Second
	maxOutputBytes       = 4096
)

// Status is the final state of an action run
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFatal     Status = "fatal"
)

// Result reports one Execute call
type Result struct {
	Action     string    `json:"action"`
	RunID      string    `json:"run_id"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `json:"output,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
	Err        error     `json:"-"`
}

// RunOutput is what a Runner observed
type RunOutput struct {
	ExitCode int
	Output   []byte
}

// Runner runs a single attempt of an action
type Runner interface {
	Run(ctx context.Context, action types.Action) (RunOutput, error)
}

// ExecRunner runs actions as child processes
type ExecRunner struct{}

// Run executes the action; a non-zero exit or timeout is an error
func (ExecRunner) Run(ctx context.Context, action types.Action) (RunOutput, error) {
	cmd := exec.CommandContext(ctx, action.Path, action.Args...)
	cmd.WaitDelay = 2 * time.Second

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	result := RunOutput{ExitCode: -1, Output: tail(output.Bytes(), maxOutputBytes)}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("action timed out: %w", ctx.Err())
	}
	return result, err
}

// Executor runs privileged actions with bounded retries
type Executor struct {
	runner Runner
	policy BackoffPolicy
	logger *logging.Logger
	now    func() time.Time
	sleep  func(time.Duration)
}

// NewExecutor creates an executor. MaxAttempts below one is treated as one.
func NewExecutor(runner Runner, policy BackoffPolicy, logger *logging.Logger) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Executor{
		runner: runner,
		policy: policy,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  time.Sleep,
	}
}

// Execute runs the action until it succeeds or attempts run out. Once started
// it ignores cancellation of ctx: an interrupted privileged action is worse
// than a slow one.
func (e *Executor) Execute(ctx context.Context, action types.Action) Result {
	ctx = context.WithoutCancel(ctx)

	res := Result{
		Action:    action.Name,
		RunID:     uuid.NewString(),
		StartedAt: e.now(),
	}

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}

	var lastErr error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		res.Attempts = attempt + 1

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := e.runner.Run(attemptCtx, action)
		cancel()

		res.ExitCode = out.ExitCode
		res.Output = string(out.Output)
		if err == nil {
			res.Status = StatusSucceeded
			res.FinishedAt = e.now()
			e.logger.LogActionEvent("action_succeeded", action.Name,
				"run_id", res.RunID,
				"attempts", res.Attempts)
			return res
		}
		lastErr = err

		if attempt+1 < e.policy.MaxAttempts {
			delay := e.policy.Delay(action.Name, res.RunID, attempt)
			e.logger.LogActionEvent("action_retry", action.Name,
				"run_id", res.RunID,
				"attempt", res.Attempts,
				"exit_code", out.ExitCode,
				"delay", delay.String(),
				"error", err)
			e.sleep(delay)
		}
	}

	res.Status = StatusFatal
	res.FinishedAt = e.now()
	res.Err = fmt.Errorf("%w: %s after %d attempts: %v", ErrActionFatal, action.Name, res.Attempts, lastErr)
	res.Error = res.Err.Error()
	e.logger.LogActionEvent("action_fatal", action.Name,
		"run_id", res.RunID,
		"attempts", res.Attempts,
		"error", lastErr)
	return res
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

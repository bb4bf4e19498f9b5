// Package session supervises agent sessions: spawning them, watching
// their heartbeats, and reporting exactly one terminal outcome per
// session back to the scheduler.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"autobuild/pkg/logx"
	"autobuild/pkg/proto"
)

// Request describes one agent invocation.
type Request struct {
	SessionID   string
	ProjectID   string
	FeatureID   string
	FeatureName string
	RootPath    string
	Role        proto.Role

	// Beat reports liveness. Runners call it whenever the underlying
	// agent shows signs of life; the supervisor's watchdog declares a
	// crash when beats stop.
	Beat func()
}

// AgentRunner runs one agent session to completion. Implementations
// treat the agent as opaque: they only observe liveness and a terminal
// outcome. Run must honor context cancellation; a cancelled run returns
// proto.OutcomeCrashed.
type AgentRunner interface {
	Run(ctx context.Context, req Request) (proto.Outcome, error)
}

// ExecRunner runs agents as external processes. The command template is
// an argv list with placeholders expanded per session:
//
//	{feature}  feature name
//	{featureId}  feature ID
//	{role}     coding or testing
//	{session}  session ID
//
// Exit code 0 is success, any other exit is failure, and a kill (via
// context or watchdog) is a crash. Each line the process writes to
// stdout or stderr counts as a heartbeat.
type ExecRunner struct {
	logger  *logx.Logger
	Command []string
	// TermGrace is how long a cancelled process gets between SIGTERM and
	// SIGKILL.
	TermGrace time.Duration
}

// NewExecRunner creates an ExecRunner for the given argv template.
func NewExecRunner(command []string, termGrace time.Duration) (*ExecRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("agent command must not be empty")
	}
	return &ExecRunner{
		logger:    logx.NewLogger("execrunner"),
		Command:   command,
		TermGrace: termGrace,
	}, nil
}

// Run executes the agent process and maps its exit to an outcome.
func (r *ExecRunner) Run(ctx context.Context, req Request) (proto.Outcome, error) {
	argv := r.expand(req)

	//nolint:gosec // The agent command is operator-configured by design.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.RootPath
	cmd.Cancel = func() error {
		// Graceful first; WaitDelay escalates to SIGKILL.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.TermGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return proto.OutcomeFailure, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return proto.OutcomeFailure, fmt.Errorf("failed to start agent: %w", err)
	}
	r.logger.Info("🚀 Started agent pid=%d session=%s feature=%s role=%s",
		cmd.Process.Pid, req.SessionID, req.FeatureName, req.Role)

	// Output doubles as the heartbeat signal.
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if req.Beat != nil {
			req.Beat()
		}
		r.logger.Debug("[%s] %s", req.SessionID, scanner.Text())
	}

	err = cmd.Wait()
	switch {
	case err == nil:
		return proto.OutcomeSuccess, nil
	case ctx.Err() != nil:
		return proto.OutcomeCrashed, fmt.Errorf("agent terminated: %w", ctx.Err())
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return proto.OutcomeFailure, nil
		}
		return proto.OutcomeCrashed, fmt.Errorf("agent wait failed: %w", err)
	}
}

// expand substitutes request placeholders into the argv template.
func (r *ExecRunner) expand(req Request) []string {
	replacer := strings.NewReplacer(
		"{feature}", req.FeatureName,
		"{featureId}", req.FeatureID,
		"{role}", string(req.Role),
		"{session}", req.SessionID,
	)
	argv := make([]string, len(r.Command))
	for i, arg := range r.Command {
		argv[i] = replacer.Replace(arg)
	}
	return argv
}

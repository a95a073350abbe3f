// Package localexec provides a local command executor with a tool allowlist.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fentz26/reconpi/internal/connectors"
)

// DefaultMaxOutput is how many trailing bytes of stdout/stderr are kept.
const DefaultMaxOutput = 20000

// ErrNotAllowed indicates the executable is not on the allowlist.
var ErrNotAllowed = errors.New("command not allowed")

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	workDir   string
	maxOutput int

	mu      sync.RWMutex
	allowed map[string]bool
}

// New creates a new LocalExec connector allowing the given executables.
func New(workDir string, allowedTools []string) *LocalExec {
	l := &LocalExec{workDir: workDir, maxOutput: DefaultMaxOutput}
	l.SetAllowed(allowedTools)
	return l
}

// SetAllowed replaces the allowlist. Used on configuration reload.
func (l *LocalExec) SetAllowed(tools []string) {
	allowed := make(map[string]bool, len(tools))
	for _, t := range tools {
		allowed[t] = true
	}
	l.mu.Lock()
	l.allowed = allowed
	l.mu.Unlock()
}

// SetMaxOutput changes how much trailing output is retained.
func (l *LocalExec) SetMaxOutput(n int) {
	l.maxOutput = n
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowed[cmd]
}

// Execute runs a command if it's in the allowlist. The whole process group
// is killed when ctx is done.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotAllowed, cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}
	configureCommandProcess(execCmd)
	execCmd.Cancel = func() error {
		terminateCommandProcess(execCmd)
		return nil
	}
	execCmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	err := execCmd.Run()
	result := &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		Stdout:   tail(stdout.Bytes(), l.maxOutput),
		Stderr:   tail(stderr.Bytes(), l.maxOutput),
		Duration: time.Since(start),
	}

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			result.ExitCode = exitError.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("exec error: %w", err)
	}
	return result, nil
}

// tail keeps the last n bytes of b without splitting a UTF-8 sequence.
func tail(b []byte, n int) string {
	if n <= 0 || len(b) <= n {
		return string(b)
	}
	b = b[len(b)-n:]
	for len(b) > 0 && !utf8.RuneStart(b[0]) {
		b = b[1:]
	}
	return string(b)
}

package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecChecker runs a command on the node and treats exit code 0 as healthy,
// e.g. ["systemctl", "is-active", "--quiet", "kubelet"]
type ExecChecker struct {
	Command []string
	Timeout time.Duration
}

// NewExecChecker creates a new exec checker
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: DefaultTimeout,
	}
}

// Check runs the command once
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if len(e.Command) == 0 {
		return finish(start, false, "no command specified")
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("%s: %v", strings.Join(e.Command, " "), err)
		if s := strings.TrimSpace(stderr.String()); s != "" {
			if len(s) > 100 {
				s = s[:100] + "..."
			}
			message += ": " + s
		}
		return finish(start, false, message)
	}
	return finish(start, true, strings.Join(e.Command, " ")+" succeeded")
}

// Type returns the check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"hostagent/internal/domain"
)

// Shell runs activity commands through a POSIX shell.
type Shell struct {
	// Path defaults to /bin/sh.
	Path string
	Env  []string
}

// Run executes command and never fails: spawn errors and non-zero exits
// become a result with the exit code (or -1) and the most useful output.
func (h Shell) Run(ctx context.Context, activityID, command string) domain.ExecutionResult {
	res := domain.ExecutionResult{ActivityID: activityID, Timestamp: time.Now()}

	path := h.Path
	if path == "" {
		path = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, path, "-c", command)
	if len(h.Env) > 0 {
		cmd.Env = h.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out, errOut := stdout.String(), stderr.String()
	if err == nil {
		res.Output = out
		if res.Output == "" {
			res.Output = errOut
		}
		return res
	}

	res.ReturnCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		res.ReturnCode = exitErr.ExitCode()
	}
	switch {
	case errOut != "":
		res.Output = errOut
	case out != "":
		res.Output = out
	default:
		res.Output = err.Error()
	}
	return res
}

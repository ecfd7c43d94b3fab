// Package command runs external programs with a bounded lifetime. The
// claude generation backend is the only caller.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout applies when the context carries no deadline.
const DefaultTimeout = 30 * time.Second

// RunCommandContext runs name with args and returns its stdout. On
// failure the error carries the exit code and stderr.
func RunCommandContext(ctx context.Context, name string, args ...string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	// The working directory of the relay may not be readable by the
	// child; run from a neutral location.
	cmd.Dir = "/tmp"

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	detail := strings.TrimSpace(stderr.String())
	if detail == "" {
		detail = strings.TrimSpace(stdout.String())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), fmt.Errorf("command failed: %s (exit code %d): %s",
			name, exitErr.ExitCode(), detail)
	}
	return stdout.String(), fmt.Errorf("command failed: %s: %w", name, err)
}

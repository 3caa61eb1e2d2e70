package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const (
	shellDefaultTimeout = 60 * time.Second
	shellMaxOutputBytes = 500_000
)

// ShellTool runs a shell command inside the workspace and returns its
// combined output.
type ShellTool struct {
	workspace string
	timeout   time.Duration
}

// NewShellTool creates the tool rooted at the workspace.
func NewShellTool(workspace string) *ShellTool {
	return &ShellTool{workspace: workspace, timeout: shellDefaultTimeout}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command and return its stdout/stderr. " +
		"Suitable for builds, tests, git, and other CLI work."
}

func (t *ShellTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run",
			},
			"workdir": map[string]any{
				"type":        "string",
				"description": "Working directory, workspace-relative; defaults to the workspace root",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Timeout in seconds; defaults to 60",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) *Result {
	command := argString(args, "command")
	if command == "" {
		return Fail("command is required")
	}

	workdir := t.workspace
	if dir := argString(args, "workdir"); dir != "" {
		resolved, err := resolvePath(t.workspace, dir)
		if err != nil {
			return Fail(err.Error())
		}
		workdir = resolved
	}

	timeout := t.timeout
	if secs := argFloat(args, "timeout"); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Fail(fmt.Sprintf("command exceeded the %s timeout", timeout))
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Fail(fmt.Sprintf("command failed to start: %v", err))
		}
		exitCode = exitErr.ExitCode()
	}

	out := capBytes(stdout.Bytes())
	errOut := capBytes(stderr.Bytes())
	combined := out
	if errOut != "" {
		if out != "" {
			combined = out + "\n--- stderr ---\n" + errOut
		} else {
			combined = errOut
		}
	}

	res := &Result{
		OK:     exitCode == 0,
		Output: combined,
		Metadata: map[string]any{
			"exit_code":    exitCode,
			"stdout_bytes": stdout.Len(),
			"stderr_bytes": stderr.Len(),
		},
	}
	if exitCode != 0 {
		res.Error = fmt.Sprintf("process exited with code %d", exitCode)
	}
	return res
}

func capBytes(b []byte) string {
	if len(b) > shellMaxOutputBytes {
		b = b[:shellMaxOutputBytes]
	}
	return string(b)
}

// ABOUTME: Gated shell execution tool returning stdout/stderr/exit code
// ABOUTME: Every invocation requires an approval decision before it runs

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// DefaultExecTimeout bounds a single shell command.
const DefaultExecTimeout = 2 * time.Minute

type execArgs struct {
	Command string `json:"command"`
}

type execResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ExecTool runs shell commands on the host. It is always gated: the model
// proposes a command and a human approves or denies it.
type ExecTool struct {
	Timeout time.Duration
	Dir     string // working directory, empty for process cwd
}

// NewExecTool creates the shell tool with the default timeout.
func NewExecTool(dir string) *ExecTool {
	return &ExecTool{Timeout: DefaultExecTimeout, Dir: dir}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command and return its stdout, stderr, and exit code."
}

func (t *ExecTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The shell command to run"}
		},
		"required": ["command"]
	}`)
}

func (t *ExecTool) Gated() bool { return true }

// Command extracts the shell command from raw arguments, for display in an
// approval prompt.
func (t *ExecTool) Command(args json.RawMessage) string {
	var a execArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return string(args)
	}
	return a.Command
}

// Execute runs the command under sh -c. A non-zero exit is a successful
// tool execution; the exit code is part of the result, not an error.
func (t *ExecTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a execArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("parsing exec arguments: %w", err)
	}
	if a.Command == "" {
		return "", errors.New("command is required")
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", a.Command)
	cmd.Dir = t.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := execResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case ctx.Err() != nil:
			return "", fmt.Errorf("command timed out after %s", timeout)
		default:
			return "", fmt.Errorf("running command: %w", err)
		}
	}

	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding exec result: %w", err)
	}
	return string(data), nil
}

var _ Tool = (*ExecTool)(nil)

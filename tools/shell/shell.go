// Package shell exposes workspace command execution as an agent tool.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	bub "github.com/bublab/bub"
)

const (
	maxOutputChars = 4000
	maxTimeoutSecs = 300
)

// Tool executes shell commands in a sandboxed workspace directory.
type Tool struct {
	workspace      string
	defaultTimeout int // seconds
}

var _ bub.Tool = (*Tool)(nil)

// New creates a shell tool. Commands run in workspace with the given
// default timeout in seconds.
func New(workspace string, defaultTimeout int) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	return &Tool{workspace: workspace, defaultTimeout: defaultTimeout}
}

func (t *Tool) Definitions() []bub.ToolDefinition {
	return []bub.ToolDefinition{{
		Name:        "shell_exec",
		Description: "Execute a shell command in the workspace directory. Returns stdout + stderr.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`),
	}}
}

// blocked are command fragments refused outright. Coarse by intent: the
// workspace dir is the sandbox, this only catches obvious foot-guns.
var blocked = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (bub.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return bub.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Command == "" {
		return bub.ToolResult{Error: "command is required"}, nil
	}

	lower := strings.ToLower(params.Command)
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return bub.ToolResult{Error: "command blocked for safety: " + b}, nil
		}
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > maxTimeoutSecs {
		timeout = maxTimeoutSecs
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
	cmd.Dir = t.workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > maxOutputChars {
		output = output[:maxOutputChars] + "\n... (truncated)"
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return bub.ToolResult{Content: output, Error: fmt.Sprintf("command timed out after %ds", timeout)}, nil
		}
		if output == "" {
			output = err.Error()
		}
		return bub.ToolResult{Content: output, Error: "exit: " + err.Error()}, nil
	}

	if output == "" {
		output = "(no output)"
	}
	return bub.ToolResult{Content: output}, nil
}

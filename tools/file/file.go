// Package file provides read, write, and list access to a sandboxed
// workspace directory as agent tools.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	bub "github.com/bublab/bub"
)

const maxReadChars = 8000

// Tool provides file access restricted to a workspace directory.
type Tool struct {
	workspace string
}

var _ bub.Tool = (*Tool)(nil)

// New creates a file tool restricted to workspace.
func New(workspace string) *Tool {
	return &Tool{workspace: workspace}
}

func (t *Tool) Definitions() []bub.ToolDefinition {
	return []bub.ToolDefinition{
		{
			Name:        "file_read",
			Description: "Read a file from the workspace. Large files are truncated.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
		},
		{
			Name:        "file_write",
			Description: "Write content to a file in the workspace. Creates parent directories if needed.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		},
		{
			Name:        "file_list",
			Description: "List files in a workspace directory, one name per line. Directories carry a trailing slash.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to workspace (default: workspace root)"}}}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (bub.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return bub.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	resolved, err := t.resolve(params.Path)
	if err != nil {
		return bub.ToolResult{Error: err.Error()}, nil
	}

	switch name {
	case "file_read":
		return t.read(resolved)
	case "file_write":
		return t.write(resolved, params.Content)
	case "file_list":
		return t.list(resolved)
	default:
		return bub.ToolResult{Error: "unknown file tool: " + name}, nil
	}
}

// resolve rejects anything that could leave the workspace.
func (t *Tool) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspace, path)
	if !strings.HasPrefix(resolved, t.workspace) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string) (bub.ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return bub.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	content := string(data)
	if len(content) > maxReadChars {
		content = content[:maxReadChars] + "\n... (truncated)"
	}
	return bub.ToolResult{Content: content}, nil
}

func (t *Tool) write(path, content string) (bub.ToolResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return bub.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return bub.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	return bub.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(content), filepath.Base(path))}, nil
}

func (t *Tool) list(path string) (bub.ToolResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return bub.ToolResult{Error: "list error: " + err.Error()}, nil
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Name())
		if e.IsDir() {
			b.WriteString("/")
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return bub.ToolResult{Content: "(empty)"}, nil
	}
	return bub.ToolResult{Content: strings.TrimRight(b.String(), "\n")}, nil
}

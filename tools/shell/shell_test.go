package shell

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, tool *Tool, args string) (string, string) {
	t.Helper()
	res, err := tool.Execute(t.Context(), "shell_exec", json.RawMessage(args))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res.Content, res.Error
}

func TestExecuteEcho(t *testing.T) {
	tool := New(t.TempDir(), 30)
	out, errStr := run(t, tool, `{"command":"echo hello"}`)
	if errStr != "" {
		t.Fatalf("error = %q", errStr)
	}
	if out != "hello\n" {
		t.Errorf("output = %q, want %q", out, "hello\n")
	}
}

func TestExecuteRunsInWorkspace(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir, 30)
	_, errStr := run(t, tool, `{"command":"echo data > marker.txt"}`)
	if errStr != "" {
		t.Fatalf("error = %q", errStr)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker.txt")); err != nil {
		t.Errorf("marker not created in workspace: %v", err)
	}
}

func TestExecuteMergesStderr(t *testing.T) {
	tool := New(t.TempDir(), 30)
	out, errStr := run(t, tool, `{"command":"echo out; echo err >&2"}`)
	if errStr != "" {
		t.Fatalf("error = %q", errStr)
	}
	want := "out\n\n--- stderr ---\nerr\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestExecuteBlockedCommands(t *testing.T) {
	tool := New(t.TempDir(), 30)
	for _, cmd := range []string{"sudo ls", "echo x && rm -rf / ", "SUDO reboot"} {
		args, _ := json.Marshal(map[string]string{"command": cmd})
		_, errStr := run(t, tool, string(args))
		if !strings.HasPrefix(errStr, "command blocked for safety:") {
			t.Errorf("command %q: error = %q, want blocked", cmd, errStr)
		}
	}
}

func TestExecuteMissingCommand(t *testing.T) {
	tool := New(t.TempDir(), 30)
	_, errStr := run(t, tool, `{}`)
	if errStr != "command is required" {
		t.Errorf("error = %q, want %q", errStr, "command is required")
	}
}

func TestExecuteInvalidArgs(t *testing.T) {
	tool := New(t.TempDir(), 30)
	_, errStr := run(t, tool, `{not json`)
	if !strings.HasPrefix(errStr, "invalid args:") {
		t.Errorf("error = %q, want invalid args", errStr)
	}
}

func TestExecuteTimeout(t *testing.T) {
	tool := New(t.TempDir(), 30)
	out, errStr := run(t, tool, `{"command":"echo early; sleep 5","timeout":1}`)
	if errStr != "command timed out after 1s" {
		t.Errorf("error = %q, want timeout", errStr)
	}
	if !strings.Contains(out, "early") {
		t.Errorf("output = %q, want partial output preserved", out)
	}
}

func TestExecuteExitError(t *testing.T) {
	tool := New(t.TempDir(), 30)
	_, errStr := run(t, tool, `{"command":"exit 3"}`)
	if !strings.HasPrefix(errStr, "exit:") {
		t.Errorf("error = %q, want exit error", errStr)
	}
}

func TestExecuteNoOutput(t *testing.T) {
	tool := New(t.TempDir(), 30)
	out, errStr := run(t, tool, `{"command":"true"}`)
	if errStr != "" {
		t.Fatalf("error = %q", errStr)
	}
	if out != "(no output)" {
		t.Errorf("output = %q, want %q", out, "(no output)")
	}
}

func TestDefinitions(t *testing.T) {
	defs := New(t.TempDir(), 30).Definitions()
	if len(defs) != 1 || defs[0].Name != "shell_exec" {
		t.Fatalf("definitions = %+v", defs)
	}
}

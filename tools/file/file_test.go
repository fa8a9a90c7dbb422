package file

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	bub "github.com/bublab/bub"
)

func call(t *testing.T, tool *Tool, name, args string) bub.ToolResult {
	t.Helper()
	res, err := tool.Execute(t.Context(), name, json.RawMessage(args))
	if err != nil {
		t.Fatalf("Execute(%s): %v", name, err)
	}
	return res
}

func TestWriteReadRoundTrip(t *testing.T) {
	tool := New(t.TempDir())

	res := call(t, tool, "file_write", `{"path":"notes/today.md","content":"remember the milk"}`)
	if res.Error != "" {
		t.Fatalf("write error = %q", res.Error)
	}
	if res.Content != "wrote 17 bytes to today.md" {
		t.Errorf("write content = %q", res.Content)
	}

	res = call(t, tool, "file_read", `{"path":"notes/today.md"}`)
	if res.Error != "" {
		t.Fatalf("read error = %q", res.Error)
	}
	if res.Content != "remember the milk" {
		t.Errorf("read content = %q", res.Content)
	}
}

func TestReadMissingFile(t *testing.T) {
	tool := New(t.TempDir())
	res := call(t, tool, "file_read", `{"path":"nope.txt"}`)
	if !strings.HasPrefix(res.Error, "read error:") {
		t.Errorf("error = %q, want read error", res.Error)
	}
}

func TestReadTruncatesLargeFiles(t *testing.T) {
	tool := New(t.TempDir())
	big := strings.Repeat("x", maxReadChars+100)
	call(t, tool, "file_write", fmt.Sprintf(`{"path":"big.txt","content":%q}`, big))

	res := call(t, tool, "file_read", `{"path":"big.txt"}`)
	if !strings.HasSuffix(res.Content, "... (truncated)") {
		t.Errorf("content not truncated, len = %d", len(res.Content))
	}
}

func TestListMarksDirectories(t *testing.T) {
	tool := New(t.TempDir())
	call(t, tool, "file_write", `{"path":"a.txt","content":"1"}`)
	call(t, tool, "file_write", `{"path":"sub/b.txt","content":"2"}`)

	res := call(t, tool, "file_list", `{}`)
	if res.Error != "" {
		t.Fatalf("list error = %q", res.Error)
	}
	if res.Content != "a.txt\nsub/" {
		t.Errorf("listing = %q, want %q", res.Content, "a.txt\nsub/")
	}
}

func TestListEmptyDirectory(t *testing.T) {
	tool := New(t.TempDir())
	res := call(t, tool, "file_list", `{}`)
	if res.Content != "(empty)" {
		t.Errorf("listing = %q, want (empty)", res.Content)
	}
}

func TestRejectsTraversalAndAbsolutePaths(t *testing.T) {
	tool := New(t.TempDir())

	res := call(t, tool, "file_read", `{"path":"../outside.txt"}`)
	if !strings.HasPrefix(res.Error, "path traversal not allowed:") {
		t.Errorf("traversal error = %q", res.Error)
	}

	res = call(t, tool, "file_read", `{"path":"/etc/passwd"}`)
	if !strings.HasPrefix(res.Error, "absolute paths not allowed:") {
		t.Errorf("absolute error = %q", res.Error)
	}
}

func TestUnknownToolName(t *testing.T) {
	tool := New(t.TempDir())
	res := call(t, tool, "file_delete", `{"path":"a.txt"}`)
	if res.Error != "unknown file tool: file_delete" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestDefinitions(t *testing.T) {
	defs := New(t.TempDir()).Definitions()
	if len(defs) != 3 {
		t.Fatalf("len(defs) = %d, want 3", len(defs))
	}
	names := []string{defs[0].Name, defs[1].Name, defs[2].Name}
	want := []string{"file_read", "file_write", "file_list"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("defs[%d].Name = %q, want %q", i, names[i], want[i])
		}
	}
}

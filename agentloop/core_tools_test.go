package agentloop

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/martinemde/sandchat/sandbox"
)

func newTestEnv(t *testing.T) (*LocalExecutionEnvironment, string) {
	t.Helper()
	dir := t.TempDir()
	root, err := sandbox.New(dir)
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	return NewLocalExecutionEnvironment(root), root.Path()
}

func execTool(t *testing.T, env ExecutionEnvironment, name string, args string) Envelope {
	t.Helper()
	tool := NewCoreToolRegistry().Get(name)
	if tool == nil {
		t.Fatalf("tool %q not registered", name)
	}
	return tool.Executor(context.Background(), json.RawMessage(args), env)
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCoreToolRegistryOrder(t *testing.T) {
	want := []string{ToolReadFile, ToolWriteFile, ToolListFiles, ToolDeleteFile, ToolRenameFile, ToolCreateDirectory}
	got := NewCoreToolRegistry().Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected tools %v, got %v", want, got)
	}
}

func TestReadFile(t *testing.T) {
	env, root := newTestEnv(t)
	writeTestFile(t, filepath.Join(root, "notes", "a.txt"), "abc")

	result := execTool(t, env, ToolReadFile, `{"path":"notes/a.txt"}`)
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.Fields["content"] != "abc" {
		t.Errorf("expected content %q, got %v", "abc", result.Fields["content"])
	}

	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"content":"abc","success":true}` {
		t.Errorf("unexpected envelope %s", raw)
	}
}

func TestReadFileFailures(t *testing.T) {
	env, root := newTestEnv(t)
	if err := os.Mkdir(filepath.Join(root, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    string
		wantErr string
	}{
		{"missing", `{"path":"nope.txt"}`, "does not exist"},
		{"directory", `{"path":"dir"}`, "is a directory"},
		{"escape", `{"path":"../outside.txt"}`, "Access denied"},
		{"absolute outside", `{"path":"/etc/passwd"}`, "Access denied"},
		{"no path", `{}`, "path is required"},
		{"malformed arguments", `{"path":`, "invalid tool arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := execTool(t, env, ToolReadFile, tt.args)
			if result.Success {
				t.Fatal("expected failure")
			}
			if !strings.Contains(result.Error, tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, result.Error)
			}
		})
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	env, root := newTestEnv(t)

	result := execTool(t, env, ToolWriteFile, `{"path":"a/b/c.txt","content":"hello"}`)
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	data, err := os.ReadFile(filepath.Join(root, "a", "b", "c.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("expected %q, got %q", "hello", data)
	}

	result = execTool(t, env, ToolWriteFile, `{"path":"a/b/c.txt","content":"bye"}`)
	if !result.Success {
		t.Fatalf("overwrite failed: %q", result.Error)
	}
	data, _ = os.ReadFile(filepath.Join(root, "a", "b", "c.txt"))
	if string(data) != "bye" {
		t.Errorf("expected overwrite, got %q", data)
	}
}

func TestWriteFileOutsideRoot(t *testing.T) {
	env, root := newTestEnv(t)
	result := execTool(t, env, ToolWriteFile, `{"path":"../../escape.txt","content":"x"}`)
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.HasPrefix(result.Error, "Access denied") {
		t.Errorf("expected access denied, got %q", result.Error)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape.txt")); !os.IsNotExist(err) {
		t.Error("file was written outside the root")
	}
}

func TestListFiles(t *testing.T) {
	env, root := newTestEnv(t)
	writeTestFile(t, filepath.Join(root, "b.txt"), "")
	writeTestFile(t, filepath.Join(root, "a.txt"), "")
	writeTestFile(t, filepath.Join(root, "sub", "nested.txt"), "")

	result := execTool(t, env, ToolListFiles, `{}`)
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	entries, ok := result.Fields["files"].([]DirEntry)
	if !ok {
		t.Fatalf("expected []DirEntry, got %T", result.Fields["files"])
	}
	want := []DirEntry{
		{Name: "a.txt", Type: EntryFile},
		{Name: "b.txt", Type: EntryFile},
		{Name: "sub", Type: EntryDirectory},
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d: expected %+v, got %+v", i, want[i], entries[i])
		}
	}

	result = execTool(t, env, ToolListFiles, `{"path":"sub"}`)
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if got := result.Fields["files"].([]DirEntry); len(got) != 1 || got[0].Name != "nested.txt" {
		t.Errorf("unexpected listing %v", got)
	}

	raw, _ := json.Marshal(result)
	if !strings.Contains(string(raw), `{"name":"nested.txt","type":"file"}`) {
		t.Errorf("unexpected wire form %s", raw)
	}
}

func TestListFilesOutsideRoot(t *testing.T) {
	env, _ := newTestEnv(t)
	result := execTool(t, env, ToolListFiles, `{"path":".."}`)
	if result.Success || !strings.HasPrefix(result.Error, "Access denied") {
		t.Errorf("expected access denied, got %+v", result)
	}
}

func TestDeleteFile(t *testing.T) {
	env, root := newTestEnv(t)
	writeTestFile(t, filepath.Join(root, "gone.txt"), "x")
	if err := os.Mkdir(filepath.Join(root, "keep"), 0o755); err != nil {
		t.Fatal(err)
	}

	if result := execTool(t, env, ToolDeleteFile, `{"path":"gone.txt"}`); !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
	if _, err := os.Stat(filepath.Join(root, "gone.txt")); !os.IsNotExist(err) {
		t.Error("file still exists")
	}

	if result := execTool(t, env, ToolDeleteFile, `{"path":"gone.txt"}`); result.Success {
		t.Error("deleting a missing file should fail")
	}
	result := execTool(t, env, ToolDeleteFile, `{"path":"keep"}`)
	if result.Success {
		t.Error("deleting a directory should fail")
	}
	if !strings.Contains(result.Error, "is a directory") {
		t.Errorf("unexpected error %q", result.Error)
	}
	if _, err := os.Stat(filepath.Join(root, "keep")); err != nil {
		t.Error("directory was removed")
	}
}

func TestRenameFile(t *testing.T) {
	env, root := newTestEnv(t)
	writeTestFile(t, filepath.Join(root, "old.txt"), "data")

	result := execTool(t, env, ToolRenameFile, `{"from":"old.txt","to":"new.txt"}`)
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
	data, err := os.ReadFile(filepath.Join(root, "new.txt"))
	if err != nil || string(data) != "data" {
		t.Errorf("expected renamed file with content, got %q, %v", data, err)
	}

	t.Run("destination outside root", func(t *testing.T) {
		result := execTool(t, env, ToolRenameFile, `{"from":"new.txt","to":"../stolen.txt"}`)
		if result.Success || !strings.HasPrefix(result.Error, "Access denied") {
			t.Errorf("expected access denied, got %+v", result)
		}
		if _, err := os.Stat(filepath.Join(root, "new.txt")); err != nil {
			t.Error("source was moved despite denial")
		}
	})

	t.Run("source outside root", func(t *testing.T) {
		result := execTool(t, env, ToolRenameFile, `{"from":"../x.txt","to":"x.txt"}`)
		if result.Success || !strings.HasPrefix(result.Error, "Access denied") {
			t.Errorf("expected access denied, got %+v", result)
		}
	})

	t.Run("missing source", func(t *testing.T) {
		result := execTool(t, env, ToolRenameFile, `{"from":"nope.txt","to":"x.txt"}`)
		if result.Success {
			t.Error("expected failure")
		}
	})
}

func TestCreateDirectoryIsIdempotent(t *testing.T) {
	env, root := newTestEnv(t)

	for i := 0; i < 2; i++ {
		result := execTool(t, env, ToolCreateDirectory, `{"path":"x/y"}`)
		if !result.Success {
			t.Fatalf("call %d: expected success, got %q", i+1, result.Error)
		}
	}
	info, err := os.Stat(filepath.Join(root, "x", "y"))
	if err != nil || !info.IsDir() {
		t.Errorf("expected directory, got %v, %v", info, err)
	}
}

func TestCreateDirectoryOverFile(t *testing.T) {
	env, root := newTestEnv(t)
	writeTestFile(t, filepath.Join(root, "file"), "x")

	result := execTool(t, env, ToolCreateDirectory, `{"path":"file"}`)
	if result.Success {
		t.Error("expected failure when a file is in the way")
	}
	if result.Error != "create_directory: file already exists" {
		t.Errorf("unexpected error %q", result.Error)
	}
	if strings.Contains(result.Error, root) {
		t.Errorf("error leaks the absolute root: %q", result.Error)
	}
}

func TestFailureMessagesStayRelative(t *testing.T) {
	env, root := newTestEnv(t)
	writeTestFile(t, filepath.Join(root, "file"), "x")
	if err := os.Mkdir(filepath.Join(root, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		tool string
		args string
		want string
	}{
		{"write over directory", ToolWriteFile, `{"path":"dir","content":"x"}`, "write_file: dir is a directory"},
		{"write below a file", ToolWriteFile, `{"path":"file/child.txt","content":"x"}`, "write_file: a parent of file/child.txt is not a directory"},
		{"read a directory", ToolReadFile, `{"path":"dir"}`, "read_file: dir is a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := execTool(t, env, tt.tool, tt.args)
			if result.Success {
				t.Fatal("expected failure")
			}
			if result.Error != tt.want {
				t.Errorf("expected %q, got %q", tt.want, result.Error)
			}
			if strings.Contains(result.Error, root) {
				t.Errorf("error leaks the absolute root: %q", result.Error)
			}
		})
	}
}

func TestRelativeMessage(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "srv", "root")
	err := &os.PathError{Op: "open", Path: filepath.Join(root, "a", "b.txt"), Err: os.ErrClosed}
	got := relativeMessage(root, err)
	want := "open " + filepath.Join("a", "b.txt") + ": " + os.ErrClosed.Error()
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	err = &os.PathError{Op: "stat", Path: root, Err: os.ErrClosed}
	if got := relativeMessage(root, err); got != "stat .: "+os.ErrClosed.Error() {
		t.Errorf("unexpected message %q", got)
	}
}

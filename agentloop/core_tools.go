package agentloop

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/martinemde/sandchat/sandbox"
)

// Tool names.
const (
	ToolReadFile        = "read_file"
	ToolWriteFile       = "write_file"
	ToolListFiles       = "list_files"
	ToolDeleteFile      = "delete_file"
	ToolRenameFile      = "rename_file"
	ToolCreateDirectory = "create_directory"
)

type pathInput struct {
	Path string `json:"path" jsonschema_description:"Path relative to the root directory."`
}

type optionalPathInput struct {
	Path string `json:"path,omitempty" jsonschema_description:"Directory to list, relative to the root directory. Defaults to the root."`
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema_description:"Path relative to the root directory."`
	Content string `json:"content" jsonschema_description:"The full file content to write."`
}

type renameInput struct {
	From string `json:"from" jsonschema_description:"Existing path relative to the root directory."`
	To   string `json:"to" jsonschema_description:"New path relative to the root directory."`
}

// NewCoreToolRegistry returns a registry holding the six file tools.
func NewCoreToolRegistry() *ToolRegistry {
	reg := NewToolRegistry()
	RegisterCoreTools(reg)
	return reg
}

// RegisterCoreTools registers the file tools on a ToolRegistry. The tools
// delegate to the ExecutionEnvironment passed at execution time.
func RegisterCoreTools(reg *ToolRegistry) {
	reg.Register(NewTypedTool(ToolReadFile,
		"Read a file inside the root directory and return its contents as text.",
		readFile))
	reg.Register(NewTypedTool(ToolWriteFile,
		"Write content to a file inside the root directory. Creates the file and parent directories if needed and overwrites existing content.",
		writeFile))
	reg.Register(NewTypedTool(ToolListFiles,
		"List the direct children of a directory inside the root directory. Each entry has a name and a type of file or directory.",
		listFiles))
	reg.Register(NewTypedTool(ToolDeleteFile,
		"Delete a single file inside the root directory. Directories cannot be deleted.",
		deleteFile))
	reg.Register(NewTypedTool(ToolRenameFile,
		"Rename or move a file or directory. Both paths must be inside the root directory.",
		renameFile))
	reg.Register(NewTypedTool(ToolCreateDirectory,
		"Create a directory, including missing parents. Succeeds if the directory already exists.",
		createDirectory))
}

func readFile(_ context.Context, in pathInput, env ExecutionEnvironment) Envelope {
	if strings.TrimSpace(in.Path) == "" {
		return Failed("path is required")
	}
	content, err := env.ReadFile(in.Path)
	if err != nil {
		return failure(env, ToolReadFile, in.Path, err)
	}
	return Succeeded(map[string]any{"content": content})
}

func writeFile(_ context.Context, in writeFileInput, env ExecutionEnvironment) Envelope {
	if strings.TrimSpace(in.Path) == "" {
		return Failed("path is required")
	}
	if err := env.WriteFile(in.Path, in.Content); err != nil {
		return failure(env, ToolWriteFile, in.Path, err)
	}
	return Succeeded(map[string]any{"path": in.Path, "bytesWritten": len(in.Content)})
}

func listFiles(_ context.Context, in optionalPathInput, env ExecutionEnvironment) Envelope {
	entries, err := env.ListDirectory(in.Path)
	if err != nil {
		return failure(env, ToolListFiles, displayPath(in.Path), err)
	}
	return Succeeded(map[string]any{"path": displayPath(in.Path), "files": entries})
}

func deleteFile(_ context.Context, in pathInput, env ExecutionEnvironment) Envelope {
	if strings.TrimSpace(in.Path) == "" {
		return Failed("path is required")
	}
	if err := env.DeleteFile(in.Path); err != nil {
		return failure(env, ToolDeleteFile, in.Path, err)
	}
	return Succeeded(map[string]any{"path": in.Path})
}

func renameFile(_ context.Context, in renameInput, env ExecutionEnvironment) Envelope {
	if strings.TrimSpace(in.From) == "" || strings.TrimSpace(in.To) == "" {
		return Failed("from and to are required")
	}
	if err := env.Rename(in.From, in.To); err != nil {
		return failure(env, ToolRenameFile, in.From+" -> "+in.To, err)
	}
	return Succeeded(map[string]any{"from": in.From, "to": in.To})
}

func createDirectory(_ context.Context, in pathInput, env ExecutionEnvironment) Envelope {
	if strings.TrimSpace(in.Path) == "" {
		return Failed("path is required")
	}
	if err := env.CreateDirectory(in.Path); err != nil {
		return failure(env, ToolCreateDirectory, in.Path, err)
	}
	return Succeeded(map[string]any{"path": in.Path})
}

// failure converts an environment error into a failed Envelope with a
// message the model can act on. Messages name paths relative to the root.
func failure(env ExecutionEnvironment, tool, path string, err error) Envelope {
	switch {
	case errors.Is(err, sandbox.ErrDenied):
		return Failed("Access denied: %s is outside the root directory", path)
	case errors.Is(err, fs.ErrNotExist):
		return Failed("%s: %s does not exist", tool, path)
	case errors.Is(err, ErrIsDirectory), errors.Is(err, syscall.EISDIR):
		return Failed("%s: %s is a directory", tool, path)
	case errors.Is(err, syscall.ENOTDIR):
		return Failed("%s: a parent of %s is not a directory", tool, path)
	case errors.Is(err, fs.ErrPermission):
		return Failed("%s: permission denied for %s", tool, path)
	case errors.Is(err, fs.ErrExist):
		return Failed("%s: %s already exists", tool, path)
	default:
		return Failed("%s: %s", tool, relativeMessage(env.Root().Path(), err))
	}
}

// relativeMessage strips the absolute root from an OS error message.
func relativeMessage(root string, err error) string {
	msg := err.Error()
	if root == "" {
		return msg
	}
	msg = strings.ReplaceAll(msg, root+string(filepath.Separator), "")
	return strings.ReplaceAll(msg, root, ".")
}

func displayPath(path string) string {
	if path == "" {
		return "."
	}
	return path
}

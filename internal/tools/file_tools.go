package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxReadBytes caps how much of a file read_file returns.
const maxReadBytes = 50 * 1024

// FileTools provides read-only file access rooted at a workspace.
type FileTools struct {
	workspacePath string
}

// NewFileTools creates a new FileTools instance.
// If workspacePath is empty, file tools are disabled.
func NewFileTools(workspacePath string) *FileTools {
	return &FileTools{workspacePath: workspacePath}
}

// Enabled returns true if file tools are available.
func (ft *FileTools) Enabled() bool {
	return ft.workspacePath != ""
}

// resolvePath converts a path to an absolute path within the workspace.
// Absolute paths are accepted only when they already lie inside it.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if ft.workspacePath == "" {
		return "", fmt.Errorf("workspace not configured")
	}

	workspaceAbs, err := filepath.Abs(ft.workspacePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath = filepath.Clean(filepath.Join(workspaceAbs, path))
	}

	if absPath != workspaceAbs && !strings.HasPrefix(absPath, workspaceAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return absPath, nil
}

// List lists the entries of a directory. Directories carry a trailing slash.
func (ft *FileTools) List(ctx context.Context, path string) ([]string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		result = append(result, name)
	}
	return result, nil
}

// Read reads a file, optionally restricted to a 1-indexed line window.
func (ft *FileTools) Read(ctx context.Context, path string, offset, limit int) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	content := string(data)

	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		startLine := 0
		if offset > 0 {
			startLine = offset - 1
		}
		if startLine >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}
		endLine := len(lines)
		if limit > 0 && startLine+limit < endLine {
			endLine = startLine + limit
		}
		content = strings.Join(lines[startLine:endLine], "\n")
		if startLine > 0 || endLine < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", startLine+1, endLine, len(lines), content)
		}
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return content, nil
}

// Tools returns the list_directory and read_file tools.
func (ft *FileTools) Tools() []Tool {
	return []Tool{
		&FuncTool{
			ToolName:        "list_directory",
			ToolDescription: "List the files and subdirectories in a directory of the workspace. Directories end with '/'.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Directory path, relative to the workspace or absolute inside it",
					},
				},
				"required":             []string{"path"},
				"additionalProperties": false,
			},
			Handler: ft.handleList,
		},
		&FuncTool{
			ToolName:        "read_file",
			ToolDescription: "Read a text file from the workspace. Use offset and limit to page through large files.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path, relative to the workspace or absolute inside it",
					},
					"offset": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"description": "First line to return (1-indexed)",
					},
					"limit": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"description": "Maximum number of lines to return",
					},
				},
				"required":             []string{"path"},
				"additionalProperties": false,
			},
			Handler: ft.handleRead,
		},
	}
}

func (ft *FileTools) handleList(ctx context.Context, args map[string]any) (Result, error) {
	path, _ := args["path"].(string)
	entries, err := ft.List(ctx, path)
	if err != nil {
		return Fail(err.Error()), nil
	}
	if len(entries) == 0 {
		return OK(fmt.Sprintf("%s is empty", path)), nil
	}
	return OK(fmt.Sprintf("%d entries in %s:\n%s", len(entries), path, strings.Join(entries, "\n"))), nil
}

func (ft *FileTools) handleRead(ctx context.Context, args map[string]any) (Result, error) {
	path, _ := args["path"].(string)
	offset := intArg(args, "offset")
	limit := intArg(args, "limit")
	content, err := ft.Read(ctx, path, offset, limit)
	if err != nil {
		return Fail(err.Error()), nil
	}
	return OK(content), nil
}

// intArg reads a numeric argument decoded from JSON.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

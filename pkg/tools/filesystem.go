// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolvePath resolves path against workspace. When restrict is true, the
// resolved path must stay inside workspace (symlinks included) or an error
// is returned.
func resolvePath(path, workspace string, restrict bool) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(workspace, path))
	}

	if !restrict {
		return resolved, nil
	}

	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		if os.IsNotExist(err) {
			parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(absResolved))
			if parentErr != nil {
				return "", fmt.Errorf("path outside workspace: %s", path)
			}
			real = filepath.Join(parentReal, filepath.Base(absResolved))
		} else {
			return "", fmt.Errorf("resolving path: %w", err)
		}
	}

	if !isPathInside(real, wsReal) {
		return "", fmt.Errorf("path outside workspace: %s", path)
	}
	return real, nil
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// ---------------------------------------------------------------------------
// ReadFileTool
// ---------------------------------------------------------------------------

type ReadFileTool struct {
	workspace string
	restrict  bool
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file." }
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Path to the file to read"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: reading file: %v", err))
	}
	return SilentResult(string(data))
}

// ---------------------------------------------------------------------------
// WriteFileTool
// ---------------------------------------------------------------------------

type WriteFileTool struct {
	workspace string
	restrict  bool
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating or overwriting it." }
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "Path to the file to write"},
			"content": map[string]interface{}{"type": "string", "description": "Content to write"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return ErrorResult(fmt.Sprintf("Error: creating parent directories: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("Error: writing file: %v", err))
	}
	return SilentResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
}

// ---------------------------------------------------------------------------
// AppendFileTool
// ---------------------------------------------------------------------------

type AppendFileTool struct {
	workspace string
	restrict  bool
}

func NewAppendFileTool(workspace string, restrict bool) *AppendFileTool {
	return &AppendFileTool{workspace: workspace, restrict: restrict}
}

func (t *AppendFileTool) Name() string        { return "append_file" }
func (t *AppendFileTool) Description() string { return "Append content to the end of a file, creating it if it doesn't exist." }
func (t *AppendFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "Path to the file to append to"},
			"content": map[string]interface{}{"type": "string", "description": "Content to append"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *AppendFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return ErrorResult(fmt.Sprintf("Error: creating parent directories: %v", err))
	}
	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: opening file: %v", err))
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return ErrorResult(fmt.Sprintf("Error: appending to file: %v", err))
	}
	return SilentResult(fmt.Sprintf("Appended %d bytes to %s", len(content), path))
}

// ---------------------------------------------------------------------------
// EditFileTool — string-replace based edit, no line-range diffing.
// ---------------------------------------------------------------------------

type EditFileTool struct {
	workspace string
	restrict  bool
}

func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{workspace: workspace, restrict: restrict}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact substring in a file with new content. old_text must match exactly once."
}
func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":     map[string]interface{}{"type": "string", "description": "Path to the file to edit"},
			"old_text": map[string]interface{}{"type": "string", "description": "Exact text to replace (must match exactly once)"},
			"new_text": map[string]interface{}{"type": "string", "description": "Replacement text"},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if path == "" || oldText == "" {
		return ErrorResult("path and old_text are required")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: reading file: %v", err))
	}
	content := string(data)
	count := strings.Count(content, oldText)
	if count == 0 {
		return ErrorResult("old_text not found in file")
	}
	if count > 1 {
		return ErrorResult(fmt.Sprintf("old_text matches %d times; it must match exactly once", count))
	}
	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("Error: writing file: %v", err))
	}
	return SilentResult(fmt.Sprintf("Edited %s", path))
}

// ---------------------------------------------------------------------------
// ListDirTool
// ---------------------------------------------------------------------------

type ListDirTool struct {
	workspace string
	restrict  bool
}

func NewListDirTool(workspace string, restrict bool) *ListDirTool {
	return &ListDirTool{workspace: workspace, restrict: restrict}
}

func (t *ListDirTool) Name() string        { return "list_files" }
func (t *ListDirTool) Description() string { return "List files and directories at a path." }
func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Directory path to list (defaults to workspace root)"},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: listing directory: %v", err))
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
		} else {
			info, statErr := e.Info()
			if statErr == nil {
				fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name(), info.Size())
			} else {
				fmt.Fprintf(&b, "%s\n", e.Name())
			}
		}
	}
	if b.Len() == 0 {
		return SilentResult("(empty directory)")
	}
	return SilentResult(b.String())
}

// ---------------------------------------------------------------------------
// DeleteFileTool — sensitive, gated behind confirmation (spec.md §4.4).
// ---------------------------------------------------------------------------

type DeleteFileTool struct {
	workspace string
	restrict  bool
}

func NewDeleteFileTool(workspace string, restrict bool) *DeleteFileTool {
	return &DeleteFileTool{workspace: workspace, restrict: restrict}
}

func (t *DeleteFileTool) Name() string        { return "delete_file" }
func (t *DeleteFileTool) Description() string { return "Delete a file from the workspace. Requires user confirmation." }
func (t *DeleteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Path to the file to delete"},
		},
		"required": []string{"path"},
	}
}

func (t *DeleteFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.Remove(resolved); err != nil {
		return ErrorResult(fmt.Sprintf("Error: deleting file: %v", err))
	}
	return SilentResult(fmt.Sprintf("Deleted %s", path))
}

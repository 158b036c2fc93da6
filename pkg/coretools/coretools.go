// Package coretools registers the built-in tools that work on the
// per-thread sandbox: reading stored function results and plain files.
package coretools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/steward/pkg/sandbox"
	"github.com/harun/steward/pkg/toolexecutor"
)

const defaultMaxBytes = 200000

// resultLoader is implemented by sandbox workspaces that keep tool results.
type resultLoader interface {
	LoadResult(ctx context.Context, index int) ([]byte, error)
}

// Register adds the built-in sandbox tools to reg.
func Register(reg *toolexecutor.ToolRegistry) error {
	if reg == nil {
		return errors.New("tool registry is required")
	}

	entries := []toolexecutor.RegistryEntry{
		{Definition: readFunctionResultTool(), Category: toolexecutor.CategoryGeneral, Interruptible: true},
		{Definition: readFileTool(), Category: toolexecutor.CategoryGeneral, Interruptible: true},
		{Definition: writeFileTool(), Category: toolexecutor.CategoryGeneral},
		{Definition: listFilesTool(), Category: toolexecutor.CategoryGeneral, Interruptible: true},
	}

	for _, entry := range entries {
		if err := reg.Register(entry); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", entry.Definition.Name, err)
		}
	}
	return nil
}

func readFunctionResultTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_function_result",
		Description: "Read a previous tool result saved in the sandbox as function_results[index]. Use path to select a nested field such as rows.0.amount.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "index", Type: "integer", Description: "Index of the stored result", Required: true},
			{Name: "path", Type: "string", Description: "Dot-separated path into the result", Required: false},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to return (default 200000)", Required: false, Default: defaultMaxBytes},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (toolexecutor.Output, error) {
			execCtx := toolexecutor.ExecContextFromContext(ctx)
			if execCtx == nil || execCtx.Sandbox == nil {
				return toolexecutor.Output{}, fmt.Errorf("sandbox is not available")
			}
			loader, ok := execCtx.Sandbox.(resultLoader)
			if !ok {
				return toolexecutor.Output{}, fmt.Errorf("sandbox does not store function results")
			}

			index := intParam(params, "index", -1)
			if index < 0 {
				return toolexecutor.Output{}, toolexecutor.NewToolError(toolexecutor.KindInvalidArguments, "index must be non-negative")
			}

			data, err := loader.LoadResult(ctx, index)
			if err != nil {
				if errors.Is(err, sandbox.ErrResultNotFound) {
					return toolexecutor.Output{}, toolexecutor.NewToolError(toolexecutor.KindNotFound, fmt.Sprintf("function_results[%d] does not exist", index))
				}
				return toolexecutor.Output{}, err
			}

			var value interface{}
			if err := json.Unmarshal(data, &value); err != nil {
				return toolexecutor.Output{}, fmt.Errorf("stored result is not JSON: %w", err)
			}
			if path, _ := params["path"].(string); strings.TrimSpace(path) != "" {
				value, err = walkPath(value, path)
				if err != nil {
					return toolexecutor.Output{}, toolexecutor.NewToolError(toolexecutor.KindNotFound, err.Error())
				}
			}

			maxBytes := intParam(params, "max_bytes", defaultMaxBytes)
			encoded, _ := json.Marshal(value)
			if maxBytes > 0 && len(encoded) > maxBytes {
				return toolexecutor.Output{Value: map[string]interface{}{
					"index":     index,
					"content":   string(encoded[:maxBytes]),
					"truncated": true,
				}}, nil
			}
			return toolexecutor.Output{Value: map[string]interface{}{
				"index": index,
				"value": value,
			}}, nil
		},
	}
}

func readFileTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the sandbox.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read (default 200000)", Required: false, Default: defaultMaxBytes},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (toolexecutor.Output, error) {
			root, err := sandboxRoot(ctx)
			if err != nil {
				return toolexecutor.Output{}, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return toolexecutor.Output{}, toolexecutor.NewToolError(toolexecutor.KindInvalidArguments, err.Error())
			}

			data, truncated, err := readFileWithLimit(target, int64(intParam(params, "max_bytes", defaultMaxBytes)))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return toolexecutor.Output{}, toolexecutor.NewToolError(toolexecutor.KindNotFound, fmt.Sprintf("%s does not exist", pathValue))
				}
				return toolexecutor.Output{}, err
			}

			return toolexecutor.Output{Value: map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}}, nil
		},
	}
}

func writeFileTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file in the sandbox.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (toolexecutor.Output, error) {
			root, err := sandboxRoot(ctx)
			if err != nil {
				return toolexecutor.Output{}, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return toolexecutor.Output{}, toolexecutor.NewToolError(toolexecutor.KindInvalidArguments, err.Error())
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return toolexecutor.Output{}, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			f, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return toolexecutor.Output{}, err
			}
			if _, err := f.WriteString(content); err != nil {
				_ = f.Close()
				return toolexecutor.Output{}, err
			}
			if err := f.Close(); err != nil {
				return toolexecutor.Output{}, err
			}

			return toolexecutor.Output{Value: map[string]interface{}{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}}, nil
		},
	}
}

func listFilesTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_files",
		Description: "List files in the sandbox, including stored function results.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative directory (default: sandbox root)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (toolexecutor.Output, error) {
			root, err := sandboxRoot(ctx)
			if err != nil {
				return toolexecutor.Output{}, err
			}
			dir := root
			if pathValue, _ := params["path"].(string); strings.TrimSpace(pathValue) != "" {
				dir, err = resolvePathInWorkspace(root, pathValue)
				if err != nil {
					return toolexecutor.Output{}, toolexecutor.NewToolError(toolexecutor.KindInvalidArguments, err.Error())
				}
			}

			files := []string{}
			err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
					return nil
				}
				rel, relErr := filepath.Rel(root, path)
				if relErr != nil {
					return relErr
				}
				files = append(files, filepath.ToSlash(rel))
				return nil
			})
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return toolexecutor.Output{}, toolexecutor.NewToolError(toolexecutor.KindNotFound, "directory does not exist")
				}
				return toolexecutor.Output{}, err
			}
			sort.Strings(files)
			return toolexecutor.Output{Value: map[string]interface{}{"files": files}}, nil
		},
	}
}

func sandboxRoot(ctx context.Context) (string, error) {
	execCtx := toolexecutor.ExecContextFromContext(ctx)
	if execCtx == nil || execCtx.Sandbox == nil || strings.TrimSpace(execCtx.Sandbox.Dir()) == "" {
		return "", fmt.Errorf("sandbox is not available")
	}
	return filepath.Clean(execCtx.Sandbox.Dir()), nil
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if limit <= 0 {
		limit = defaultMaxBytes
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	truncated := false
	extra := make([]byte, 1)
	if n, _ := file.Read(extra); n > 0 {
		truncated = true
	}
	return buf.Bytes(), truncated, nil
}

func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside the sandbox", pathValue)
}

// walkPath follows a dot-separated path through decoded JSON.
func walkPath(value interface{}, path string) (interface{}, error) {
	current := value
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, fmt.Errorf("field %q not found", part)
			}
			current = next
		case []interface{}:
			var i int
			if _, err := fmt.Sscanf(part, "%d", &i); err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("index %q out of range", part)
			}
			current = node[i]
		default:
			return nil, fmt.Errorf("cannot descend into %q", part)
		}
	}
	return current, nil
}

func intParam(params map[string]interface{}, name string, fallback int) int {
	switch v := params[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/nervecore/internal/policy"
)

const maxReadBytes = 100 * 1024

// resolvePath resolves a raw path to an absolute path with symlinks in its
// parent directory evaluated; it rejects only an empty path.
func resolvePath(rawPath string) (string, error) {
	if rawPath == "" {
		return "", fmt.Errorf("empty path")
	}
	resolved, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	evaluated, err := filepath.EvalSymlinks(filepath.Dir(resolved))
	if err != nil {
		evaluated = filepath.Dir(resolved)
	}
	return filepath.Join(evaluated, filepath.Base(resolved)), nil
}

func resolveAllowedPath(pol policy.Checker, args map[string]any) (string, Result, bool) {
	rawPath, _ := argString(args, "path")
	resolved, err := resolvePath(rawPath)
	if err != nil {
		return "", failed(err), false
	}
	if pol != nil && !pol.AllowPath(resolved) {
		return "", failed(fmt.Errorf("policy denied path %q", resolved)), false
	}
	return resolved, Result{}, true
}

// ReadFileTool reads a file's contents, capped at maxReadBytes.
type ReadFileTool struct {
	Policy policy.Checker
}

func (t *ReadFileTool) Name() string       { return "read_file" }
func (t *ReadFileTool) Capability() string { return "tools.read_file" }

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) Result {
	resolved, res, allowed := resolveAllowedPath(t.Policy, args)
	if !allowed {
		return res
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return failed(fmt.Errorf("stat: %w", err))
	}
	if info.IsDir() {
		return failed(fmt.Errorf("path is a directory, use list_directory instead"))
	}
	if info.Size() > maxReadBytes {
		return failed(fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxReadBytes))
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return failed(fmt.Errorf("read: %w", err))
	}
	return ok(map[string]any{"content": string(data), "size": info.Size()}, nil)
}

// WriteFileTool atomically writes content to a file, creating parents.
type WriteFileTool struct {
	Policy policy.Checker
}

func (t *WriteFileTool) Name() string       { return "write_file" }
func (t *WriteFileTool) Capability() string { return "tools.write_file" }

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) Result {
	resolved, res, allowed := resolveAllowedPath(t.Policy, args)
	if !allowed {
		return res
	}
	content, _ := argString(args, "content")

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return failed(fmt.Errorf("mkdir: %w", err))
	}
	tmpFile := resolved + ".tmp"
	if err := os.WriteFile(tmpFile, []byte(content), 0o644); err != nil {
		return failed(fmt.Errorf("write temp: %w", err))
	}
	if err := os.Rename(tmpFile, resolved); err != nil {
		_ = os.Remove(tmpFile)
		return failed(fmt.Errorf("rename: %w", err))
	}
	return ok(map[string]any{"written": true, "path": resolved, "size": len(content)}, nil)
}

// ListDirectoryTool lists a directory's entries, capped at 200.
type ListDirectoryTool struct {
	Policy policy.Checker
}

func (t *ListDirectoryTool) Name() string       { return "list_directory" }
func (t *ListDirectoryTool) Capability() string { return "tools.read_file" }

const maxListEntries = 200

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]any) Result {
	resolved, res, allowed := resolveAllowedPath(t.Policy, args)
	if !allowed {
		return res
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return failed(fmt.Errorf("read dir: %w", err))
	}
	type direntry struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
		Size  int64  `json:"size"`
	}
	var out []direntry
	for i, entry := range entries {
		if i >= maxListEntries {
			break
		}
		info, err := entry.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		out = append(out, direntry{Name: entry.Name(), IsDir: entry.IsDir(), Size: size})
	}
	return ok(map[string]any{"entries": out, "path": resolved}, nil)
}

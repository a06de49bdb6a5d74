package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxFileSize bounds what the read tool will load into a value.
const DefaultMaxFileSize = 10 * 1024 * 1024 // 10MB

// ReadTool reads file contents from within a sandbox root.
type ReadTool struct {
	root        string
	maxFileSize int64
}

// ReadOption configures the ReadTool.
type ReadOption func(*ReadTool)

// WithMaxFileSize sets the maximum readable file size.
func WithMaxFileSize(size int64) ReadOption {
	return func(r *ReadTool) {
		r.maxFileSize = size
	}
}

// NewReadTool creates a file read tool confined to root. Paths are
// resolved relative to root and may never escape it.
func NewReadTool(root string, opts ...ReadOption) *ReadTool {
	r := &ReadTool{
		root:        root,
		maxFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ReadTool) Name() string        { return "read_file" }
func (r *ReadTool) Description() string { return "Read a file from the sandbox root" }
func (r *ReadTool) Parameters() map[string]string {
	return map[string]string{"path": "file path relative to the sandbox root"}
}

func (r *ReadTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rel, ok := args["path"].(string)
	if !ok {
		return nil, fmt.Errorf("path argument must be a string")
	}

	path, err := resolveInRoot(r.root, rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}
	if info.Size() > r.maxFileSize {
		return nil, fmt.Errorf("file %s exceeds size limit (%d > %d bytes)", rel, info.Size(), r.maxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

// ListTool lists directory entries within the sandbox root.
type ListTool struct {
	root string
}

// NewListTool creates a directory listing tool confined to root.
func NewListTool(root string) *ListTool {
	return &ListTool{root: root}
}

func (l *ListTool) Name() string        { return "list_dir" }
func (l *ListTool) Description() string { return "List directory entries under the sandbox root" }
func (l *ListTool) Parameters() map[string]string {
	return map[string]string{"path": "directory path relative to the sandbox root"}
}

func (l *ListTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rel, _ := args["path"].(string)
	if rel == "" {
		rel = "."
	}

	path, err := resolveInRoot(l.root, rel)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

// resolveInRoot resolves rel against root and rejects any path that
// escapes it. Absolute paths and parent traversal are both refused.
func resolveInRoot(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes sandbox root: %s", rel)
	}
	return filepath.Join(root, cleaned), nil
}

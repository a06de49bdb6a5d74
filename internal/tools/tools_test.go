package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEcho(t *testing.T) {
	out, err := Echo().Execute(context.Background(), map[string]any{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestConcat(t *testing.T) {
	out, err := Concat().Execute(context.Background(), map[string]any{"left": "hello", "right": "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestWordCount(t *testing.T) {
	out, err := WordCount().Execute(context.Background(), map[string]any{"text": "one two  three"})
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	_, err = WordCount().Execute(context.Background(), map[string]any{"text": 42})
	assert.Error(t, err)
}

func TestReadTool(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "note.txt"), []byte("contents"), 0o644))

	r := NewReadTool(root)
	out, err := r.Execute(context.Background(), map[string]any{"path": "note.txt"})
	require.NoError(t, err)
	assert.Equal(t, "contents", out)
}

func TestReadToolRejectsEscapes(t *testing.T) {
	r := NewReadTool(t.TempDir())

	tests := []struct {
		name string
		path string
	}{
		{"absolute path", "/etc/passwd"},
		{"parent traversal", "../secret"},
		{"nested traversal", "a/../../secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), map[string]any{"path": tt.path})
			assert.Error(t, err)
		})
	}
}

func TestReadToolSizeLimit(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), make([]byte, 64), 0o644))

	r := NewReadTool(root, WithMaxFileSize(16))
	_, err := r.Execute(context.Background(), map[string]any{"path": "big.txt"})
	assert.ErrorContains(t, err, "size limit")
}

func TestListTool(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	l := NewListTool(root)
	out, err := l.Execute(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "sub/"}, out)
}

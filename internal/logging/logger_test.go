package logging

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestNewWithFileOutput(t *testing.T) {
	path := t.TempDir() + "/logs/warden.log"
	l, err := New(&Config{Level: "debug", FilePath: path, Console: false})
	require.NoError(t, err)
	defer l.Close()

	l.Info("hello %s", "world")
	require.NoError(t, l.Close())

	// The directory and file must have been created.
	assert.FileExists(t, path)
}

func TestDerivedLoggersDoNotMutateParent(t *testing.T) {
	l, err := New(&Config{Level: "debug", Console: false})
	require.NoError(t, err)

	child := l.WithComponent("policy").WithField("request_id", "r-1")
	assert.NotSame(t, l, child)

	// Both remain usable.
	l.Debug("parent")
	child.Debug("child")
}

func TestGlobalLogger(t *testing.T) {
	orig := Global()
	defer SetGlobal(orig)

	l, err := New(&Config{Level: "error", Console: false})
	require.NoError(t, err)
	SetGlobal(l)
	assert.Same(t, l, Global())
}

func TestDetachContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	detached := DetachContext(parent)
	cancel()

	select {
	case <-detached.Done():
		t.Fatal("detached context should not be cancelled with parent")
	default:
	}
}

func TestDetachContextWithTimeout(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	detached, dcancel := DetachContextWithTimeout(parent, 50*time.Millisecond)
	defer dcancel()

	select {
	case <-detached.Done():
		t.Fatal("detached context expired immediately")
	default:
	}

	<-detached.Done()
	assert.ErrorIs(t, detached.Err(), context.DeadlineExceeded)
}

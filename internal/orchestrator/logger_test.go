package orchestrator

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type nopCloser struct{ closed int }

func (c *nopCloser) Close() error {
	c.closed++
	return nil
}

func TestDebugLogger_Tags(t *testing.T) {
	var buf bytes.Buffer
	closer := &nopCloser{}
	root := newWriterLogger(&buf, closer)
	root.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 6e6, time.UTC) }

	session := root.With("session-1")
	session.With("dispatch").Log("claimed %s", "T1")
	root.Log("plain")

	want := "[03:04:05.006] [session-1] [dispatch] claimed T1\n[03:04:05.006] plain\n"
	if buf.String() != want {
		t.Errorf("log = %q, want %q", buf.String(), want)
	}

	if err := session.Close(); err != nil {
		t.Fatal(err)
	}
	root.Log("after close")
	if strings.Contains(buf.String(), "after close") {
		t.Error("writes after Close should be dropped")
	}
	root.Close()
	if closer.closed != 1 {
		t.Errorf("closed %d times, want 1", closer.closed)
	}
}

func TestDebugLogger_NopAndNil(t *testing.T) {
	var nilLogger *DebugLogger
	nilLogger.Log("ignored")
	nilLogger.With("x").Log("ignored")
	if err := nilLogger.Close(); err != nil {
		t.Error(err)
	}
	NopLogger().With("session").Log("ignored")
}

func TestNewDebugLoggerForStateDir(t *testing.T) {
	dir := t.TempDir()
	l := NewDebugLoggerForStateDir(dir)
	l.With("session-x").Log("hello")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "logs", "orchestrator-debug.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "debug log opened") || !strings.Contains(string(data), "[session-x] hello") {
		t.Errorf("log file = %q", data)
	}
}

package api

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSignals_KillAndPause(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".autopilot")
	s, err := NewSignals(dir)
	if err != nil {
		t.Fatalf("NewSignals: %v", err)
	}
	defer s.Close()

	if s.ShouldStop() || s.ShouldPause() {
		t.Fatal("fresh signals should be clear")
	}

	if err := s.SendPause(); err != nil {
		t.Fatalf("SendPause: %v", err)
	}
	if !s.ShouldPause() {
		t.Error("pause file should pause")
	}
	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s.ShouldPause() {
		t.Error("removing the pause file should resume")
	}

	if err := s.SendKill(); err != nil {
		t.Fatalf("SendKill: %v", err)
	}
	if !s.ShouldStop() {
		t.Error("kill file should stop")
	}
	// Kill latches until cleared.
	os.Remove(filepath.Join(dir, "signals", SignalKill))
	if !s.ShouldStop() {
		t.Error("stop should latch after the file is removed")
	}
	s.ClearSignals()
	if s.ShouldStop() {
		t.Error("ClearSignals should reset stop")
	}
}

func TestSignals_ChangedFiresOnWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".autopilot")
	s, err := NewSignals(dir)
	if err != nil {
		t.Fatalf("NewSignals: %v", err)
	}
	defer s.Close()
	if s.watcher == nil {
		t.Skip("fsnotify unavailable")
	}

	s.SendKill()
	select {
	case <-s.Changed():
	case <-time.After(2 * time.Second):
		t.Fatal("Changed did not fire after kill file was written")
	}
}

func TestSignals_DecisionsFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".autopilot")
	s, err := NewSignals(dir)
	if err != nil {
		t.Fatalf("NewSignals: %v", err)
	}
	s.Close()
	s.Close()

	if !strings.Contains(s.ReadDecisions(), "# Project Decisions") {
		t.Error("decisions file should be initialized")
	}
	os.WriteFile(filepath.Join(dir, "decisions.md"), []byte("custom"), 0644)
	again, _ := NewSignals(dir)
	defer again.Close()
	if again.ReadDecisions() != "custom" {
		t.Error("existing decisions file should not be overwritten")
	}
}

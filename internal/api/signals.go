package api

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal file names under <stateDir>/signals.
const (
	SignalKill  = "kill"
	SignalPause = "pause"
)

const decisionsTemplate = `# Project Decisions

Shared naming conventions, patterns, and architectural decisions.
Every task prompt includes this file.

## Naming Conventions

## Patterns

## Constraints
`

// Signals watches the signal directory so another process can stop or
// pause a running loop by creating a file. It also owns the decisions file
// that is shared with every task prompt.
type Signals struct {
	stateDir string

	mu          sync.RWMutex
	stopSignal  bool
	pauseSignal bool

	changed chan struct{}
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewSignals prepares stateDir and starts watching its signals directory.
// Without a working watcher, ShouldStop and ShouldPause still check the
// files directly.
func NewSignals(stateDir string) (*Signals, error) {
	signalsDir := filepath.Join(stateDir, "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	decisionsPath := filepath.Join(stateDir, "decisions.md")
	if _, err := os.Stat(decisionsPath); os.IsNotExist(err) {
		if err := os.WriteFile(decisionsPath, []byte(decisionsTemplate), 0644); err != nil {
			return nil, err
		}
	}

	s := &Signals{
		stateDir: stateDir,
		changed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[signals] watcher unavailable, falling back to polling: %v", err)
		return s, nil
	}
	if err := watcher.Add(signalsDir); err != nil {
		watcher.Close()
		log.Printf("[signals] cannot watch %s, falling back to polling: %v", signalsDir, err)
		return s, nil
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *Signals) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			s.mu.Lock()
			switch filepath.Base(event.Name) {
			case SignalKill:
				s.stopSignal = true
			case SignalPause:
				s.pauseSignal = true
			}
			s.mu.Unlock()
			s.notify()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[signals] watcher error: %v", err)
		}
	}
}

func (s *Signals) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Changed fires after a signal file is created or written.
func (s *Signals) Changed() <-chan struct{} {
	return s.changed
}

func (s *Signals) path(name string) string {
	return filepath.Join(s.stateDir, "signals", name)
}

// ShouldStop reports whether a kill signal has been received.
func (s *Signals) ShouldStop() bool {
	if _, err := os.Stat(s.path(SignalKill)); err == nil {
		s.mu.Lock()
		s.stopSignal = true
		s.mu.Unlock()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopSignal
}

// ShouldPause reports whether the pause file is present. Unlike kill,
// removing the file resumes dispatch.
func (s *Signals) ShouldPause() bool {
	_, err := os.Stat(s.path(SignalPause))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseSignal = err == nil
	return s.pauseSignal
}

// SendKill creates the kill signal file.
func (s *Signals) SendKill() error {
	return os.WriteFile(s.path(SignalKill), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// SendPause creates the pause signal file.
func (s *Signals) SendPause() error {
	return os.WriteFile(s.path(SignalPause), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// Resume removes the pause signal file.
func (s *Signals) Resume() error {
	err := os.Remove(s.path(SignalPause))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ClearSignals removes all signal files and resets signal state.
func (s *Signals) ClearSignals() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopSignal = false
	s.pauseSignal = false
	os.Remove(s.path(SignalKill))
	os.Remove(s.path(SignalPause))
}

// ReadDecisions returns the current contents of the decisions file.
func (s *Signals) ReadDecisions() string {
	content, err := os.ReadFile(filepath.Join(s.stateDir, "decisions.md"))
	if err != nil {
		return ""
	}
	return string(content)
}

// Close stops the watcher.
func (s *Signals) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}

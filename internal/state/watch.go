package state

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of WAL writes into one notification.
const watchDebounce = 200 * time.Millisecond

// Watch re-broadcasts writes made to the database file by other processes
// as ChangeExternalWrite notifications. It blocks until ctx is canceled.
// Writes from this process also trigger it; listeners treat the change as
// a hint to recompute, so duplicates are harmless.
func (db *DB) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(db.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(db.path)
	relevant := map[string]bool{
		base:          true,
		base + "-wal": true,
	}

	var pending bool
	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant[filepath.Base(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !pending {
				pending = true
				timer.Reset(watchDebounce)
			}
		case <-timer.C:
			pending = false
			db.notifier.Publish(Change{Kind: ChangeExternalWrite})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[state] watcher error: %v", err)
		}
	}
}

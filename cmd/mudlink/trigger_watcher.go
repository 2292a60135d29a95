package main

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mudlink/mudlink/internal/trigger"
)

// TriggerWatcher hot-reloads the custom trigger file on change.
type TriggerWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	path    string
	matcher *trigger.Matcher
}

// NewTriggerWatcher watches the directory containing the trigger file.
// Watching the directory instead of the file survives editors that rename
// over the original.
func NewTriggerWatcher(path string, matcher *trigger.Matcher) (*TriggerWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	tw := &TriggerWatcher{
		watcher: watcher,
		done:    make(chan struct{}),
		path:    path,
		matcher: matcher,
	}
	log.Printf("INFO: Watching %s for trigger changes (auto-reload enabled)", path)

	go tw.watchLoop(watcher)
	return tw, nil
}

// Stop shuts the watcher down.
func (tw *TriggerWatcher) Stop() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.watcher == nil {
		return
	}
	select {
	case <-tw.done:
	default:
		close(tw.done)
	}
	tw.watcher.Close()
	tw.watcher = nil
	log.Printf("INFO: Trigger file watcher stopped")
}

func (tw *TriggerWatcher) watchLoop(w *fsnotify.Watcher) {
	// Debounce so a rapid series of writes reloads once.
	var debounce *time.Timer
	const debounceDuration = 500 * time.Millisecond

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(tw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, tw.reload)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Printf("ERROR: Trigger file watcher error: %v", err)

		case <-tw.done:
			return
		}
	}
}

func (tw *TriggerWatcher) reload() {
	custom, err := trigger.LoadFile(tw.path)
	if err != nil {
		log.Printf("WARN: Trigger reload skipped: %v", err)
		return
	}
	if err := tw.matcher.SetCustom(custom); err != nil {
		log.Printf("WARN: Trigger reload rejected: %v", err)
		return
	}
	log.Printf("INFO: Reloaded %d custom triggers from %s", len(custom), tw.path)
}

// Package inbox watches a directory for completion envelopes and hands each one
// to the pipeline exactly once.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/types"

	"github.com/fsnotify/fsnotify"
)

// Subdirectories that receive handled envelopes.
const (
	ProcessedDir = "processed"
	RejectedDir  = "rejected"
)

// Envelope is one pending completion: its text, its metadata and the skill spec it
// must satisfy.
type Envelope struct {
	ID       string          `json:"id,omitempty"`
	Text     string          `json:"text"`
	PromptID string          `json:"prompt_id,omitempty"`
	Model    string          `json:"model"`
	Variant  string          `json:"variant,omitempty"`
	Spec     types.SkillSpec `json:"spec"`
}

// Completion builds the completion the envelope describes.
func (e Envelope) Completion() types.Completion {
	return types.Completion{
		ID:         e.ID,
		Text:       e.Text,
		PromptID:   e.PromptID,
		Model:      e.Model,
		SkillID:    e.Spec.SkillID,
		TopicPath:  e.Spec.TopicPath,
		Variant:    e.Variant,
		ReceivedAt: time.Now(),
	}
}

// ReadEnvelope parses and checks an envelope file.
func ReadEnvelope(path string) (Envelope, error) {
	var e Envelope
	data, err := os.ReadFile(path)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if err := e.Spec.Validate(); err != nil {
		return e, err
	}
	if e.Model == "" {
		return e, fmt.Errorf("envelope for %q has no model", e.Spec.SkillID)
	}
	return e, nil
}

// Handler processes one envelope. A returned error is logged; the envelope
// still counts as processed because its verdict has been recorded.
type Handler func(ctx context.Context, c types.Completion, spec types.SkillSpec) error

// Stats tracks watcher activity.
type Stats struct {
	Events    int
	Processed int
	Rejected  int
	Errors    int
}

// Watcher watches dir for *.json envelopes.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	dir         string
	handler     Handler
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stats       Stats
}

// NewWatcher creates a watcher over dir. debounce is how long a file must be
// quiet before it is read; zero means 500ms.
func NewWatcher(dir string, debounce time.Duration, handler Handler) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		dir:         dir,
		handler:     handler,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start creates the inbox directories, queues envelopes already present and
// starts the event loop. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	for _, d := range []string{w.dir, filepath.Join(w.dir, ProcessedDir), filepath.Join(w.dir, RejectedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	logging.Inbox("watching %s", w.dir)

	existing, err := filepath.Glob(filepath.Join(w.dir, "*.json"))
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.running = true
	for _, path := range existing {
		w.debounceMap[path] = time.Time{}
	}
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop stops the event loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.InboxWarn("error closing watcher: %v", err)
	}
	logging.Inbox("stopped")
}

// Done is closed when the event loop exits.
func (w *Watcher) Done() <-chan struct{} { return w.doneCh }

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounceDur / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	debounceTicker := time.NewTicker(tick)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.InboxWarn("watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-debounceTicker.C:
			w.processDebounced(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if !strings.HasSuffix(base, ".json") || strings.HasPrefix(base, ".") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	logging.Get(logging.CategoryInbox).Debug("%s %s", event.Op, base)

	w.mu.Lock()
	w.stats.Events++
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processDebounced(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			ready = append(ready, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		// Already moved by an earlier event for the same file.
		return
	}
	env, err := ReadEnvelope(path)
	if err != nil {
		logging.InboxWarn("rejecting %s: %v", filepath.Base(path), err)
		w.move(path, RejectedDir)
		w.mu.Lock()
		w.stats.Rejected++
		w.mu.Unlock()
		return
	}

	if err := w.handler(ctx, env.Completion(), env.Spec); err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.InboxWarn("%s: %v", filepath.Base(path), err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
	}
	w.move(path, ProcessedDir)
	w.mu.Lock()
	w.stats.Processed++
	w.mu.Unlock()
	logging.Inbox("processed %s (%s)", filepath.Base(path), env.Spec.SkillID)
}

// move renames path into sub, suffixing a timestamp when the name is taken.
func (w *Watcher) move(path, sub string) {
	base := filepath.Base(path)
	dest := filepath.Join(w.dir, sub, base)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(base)
		dest = filepath.Join(w.dir, sub,
			strings.TrimSuffix(base, ext)+"."+time.Now().UTC().Format("20060102T150405.000000000Z")+ext)
	}
	if err := os.Rename(path, dest); err != nil {
		logging.InboxWarn("failed to move %s to %s: %v", base, sub, err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
	}
}

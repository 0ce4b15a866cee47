package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/featbit/vibeguild-sub001/internal/fsutil"
)

const defaultPollInterval = 2 * time.Second

// ErrWaitTimeout is returned by Wait when no message arrives in time
var ErrWaitTimeout = errors.New("timed out waiting for inbox messages")

// Document is the on-disk inbox format
type Document struct {
	Messages  []string  `json:"messages"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Inbox is a task's human-to-worker mailbox. Humans append; the supervisor
// drains (read everything, then overwrite with an empty list).
type Inbox struct {
	path         string
	pollInterval time.Duration
	logger       *slog.Logger

	// mu serializes read-modify-write cycles within this process
	mu sync.Mutex
}

// NewInbox returns an inbox backed by the document at path
func NewInbox(path string, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		path:         path,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
}

// SetPollInterval configures how often Wait re-reads the inbox.
// Zero or negative values are ignored.
func (i *Inbox) SetPollInterval(d time.Duration) {
	if d > 0 {
		i.pollInterval = d
	}
}

// Path returns the document location
func (i *Inbox) Path() string {
	return i.path
}

// Append adds a message to the end of the inbox
func (i *Inbox) Append(message string) error {
	if message == "" {
		return fmt.Errorf("inbox: message is empty")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	doc, err := i.read()
	if err != nil {
		return err
	}
	doc.Messages = append(doc.Messages, message)
	return i.write(doc)
}

// Peek returns the pending messages without consuming them
func (i *Inbox) Peek() ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	doc, err := i.read()
	if err != nil {
		return nil, err
	}
	return doc.Messages, nil
}

// Drain returns all pending messages and clears the inbox. When the inbox is
// already empty nothing is written, so repeated drains stay side-effect free.
func (i *Inbox) Drain() ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	doc, err := i.read()
	if err != nil {
		return nil, err
	}
	if len(doc.Messages) == 0 {
		return []string{}, nil
	}

	messages := doc.Messages
	if err := i.write(Document{Messages: []string{}}); err != nil {
		return nil, err
	}
	return messages, nil
}

// Wait blocks until the inbox holds at least one message, drains it and
// returns the messages. It polls every poll interval; filesystem
// notifications only shorten the latency. Returns ErrWaitTimeout once
// timeout elapses, or the context error if ctx ends first.
func (i *Inbox) Wait(ctx context.Context, timeout time.Duration) ([]string, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(i.pollInterval)
	defer ticker.Stop()

	var notify <-chan fsnotify.Event
	var notifyErrs <-chan error
	if watcher := i.watch(); watcher != nil {
		defer watcher.Close()
		notify = watcher.Events
		notifyErrs = watcher.Errors
	}

	for {
		messages, err := i.Drain()
		if err != nil {
			i.logger.Warn("failed to read inbox", "path", i.path, "error", err)
		} else if len(messages) > 0 {
			return messages, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrWaitTimeout
		case <-ticker.C:
		case ev, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			if filepath.Base(ev.Name) != filepath.Base(i.path) {
				continue
			}
		case err, ok := <-notifyErrs:
			if !ok {
				notifyErrs = nil
				continue
			}
			i.logger.Debug("inbox watcher error", "error", err)
		}
	}
}

// watch returns a watcher on the inbox directory, or nil when notifications
// are unavailable and Wait should rely on polling alone.
func (i *Inbox) watch() *fsnotify.Watcher {
	dir := filepath.Dir(i.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		i.logger.Debug("fsnotify unavailable, polling inbox", "error", err)
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		i.logger.Debug("cannot watch inbox directory, polling", "dir", dir, "error", err)
		return nil
	}
	return watcher
}

func (i *Inbox) read() (Document, error) {
	var doc Document
	if err := fsutil.ReadJSON(i.path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{Messages: []string{}}, nil
		}
		return Document{}, fmt.Errorf("inbox: %w", err)
	}
	if doc.Messages == nil {
		doc.Messages = []string{}
	}
	return doc, nil
}

func (i *Inbox) write(doc Document) error {
	doc.UpdatedAt = time.Now().UTC()
	if err := fsutil.AtomicWriteJSON(i.path, doc); err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	return nil
}

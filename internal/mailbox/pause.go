package mailbox

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/featbit/vibeguild-sub001/internal/fsutil"
)

// PauseSignal is the pending pause request. Its presence on disk is the
// signal; Message carries the optional operator-supplied reason.
type PauseSignal struct {
	Message     string    `json:"message,omitempty"`
	RequestedAt time.Time `json:"requestedAt,omitempty"`
}

// Pause manages a task's single pause-signal document.
type Pause struct {
	path string
}

// NewPause returns the pause signal backed by the document at path
func NewPause(path string) *Pause {
	return &Pause{path: path}
}

// Path returns the document location
func (p *Pause) Path() string {
	return p.path
}

// Request writes a pause signal. A pending signal is replaced, so at most
// one is ever outstanding.
func (p *Pause) Request(message string) error {
	sig := PauseSignal{Message: message, RequestedAt: time.Now().UTC()}
	if err := fsutil.AtomicWriteJSON(p.path, sig); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

// Pending reports whether a pause signal is waiting to be consumed
func (p *Pause) Pending() bool {
	_, err := os.Stat(p.path)
	return err == nil
}

// Consume reads and deletes the pending signal. ok is false when no signal
// exists. An unreadable signal document still counts as a pause request;
// it is deleted so a later pause is not swallowed by a stale file.
func (p *Pause) Consume() (sig PauseSignal, ok bool, err error) {
	readErr := fsutil.ReadJSON(p.path, &sig)
	if errors.Is(readErr, os.ErrNotExist) {
		return PauseSignal{}, false, nil
	}

	removed, err := fsutil.RemoveIfExists(p.path)
	if err != nil {
		return PauseSignal{}, false, fmt.Errorf("pause: %w", err)
	}
	if !removed {
		// Another consumer won the race
		return PauseSignal{}, false, nil
	}

	if readErr != nil {
		return PauseSignal{}, true, nil
	}
	return sig, true, nil
}

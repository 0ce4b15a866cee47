// Package alignment runs the question-and-answer loop between a paused
// worker and a human operator.
package alignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/featbit/vibeguild-sub001/internal/mailbox"
	"github.com/featbit/vibeguild-sub001/internal/metrics"
	"github.com/featbit/vibeguild-sub001/internal/progress"
	"github.com/featbit/vibeguild-sub001/internal/prompt"
	"github.com/featbit/vibeguild-sub001/internal/runner"
)

// ErrNotWaiting is returned when the loop starts on a record that is not
// waiting for a human
var ErrNotWaiting = errors.New("progress record is not waiting for a human")

// Invoker runs the worker
type Invoker interface {
	Run(ctx context.Context, prompt string, opts runner.Options) (*runner.Result, error)
}

// Inbox delivers operator messages
type Inbox interface {
	Drain() ([]string, error)
	Wait(ctx context.Context, timeout time.Duration) ([]string, error)
}

// Store persists the progress record
type Store interface {
	Load() (*progress.Record, error)
	Save(rec *progress.Record) error
}

// Config bounds the conversation
type Config struct {
	MaxRounds  int
	InboxWait  time.Duration
	RunTimeout time.Duration
	// KeepQueued treats messages already in the inbox as replies to the
	// current question. Set when continuing a conversation whose question
	// was asked before this process started.
	KeepQueued bool
}

// Result is how the conversation ended
type Result struct {
	Status progress.Status
	Rounds int
	// Failure is the reason recorded when the loop itself failed the task
	Failure string
}

// Loop is a bounded alignment conversation for one task
type Loop struct {
	cfg     Config
	invoker Invoker
	inbox   Inbox
	store   Store
	prompt  prompt.Context
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an alignment loop
func New(cfg Config, invoker Invoker, inbox Inbox, store Store, pc prompt.Context, m *metrics.Metrics, logger *slog.Logger) *Loop {
	if cfg.MaxRounds < 1 {
		cfg.MaxRounds = 1
	}
	return &Loop{
		cfg:     cfg,
		invoker: invoker,
		inbox:   inbox,
		store:   store,
		prompt:  pc,
		metrics: m,
		logger:  logger.With("task_id", pc.Task.ID),
	}
}

// Run converses until the worker stops waiting, the operator stops
// answering or the round cap is reached. The latter two mark the record
// failed.
func (l *Loop) Run(ctx context.Context, initial *progress.Record) (*Result, error) {
	if initial == nil || initial.Status != progress.StatusWaitingForHuman {
		return nil, ErrNotWaiting
	}

	// Whatever was queued while the worker ran (e.g. the note that
	// triggered a pause) is not an answer to the question
	if !l.cfg.KeepQueued {
		stale, err := l.inbox.Drain()
		if err != nil {
			return nil, fmt.Errorf("failed to drain inbox: %w", err)
		}
		if len(stale) > 0 {
			l.logger.Info("discarded stale inbox messages", "count", len(stale))
		}
	}

	question := initial.Question
	var history []prompt.Exchange

	for round := 1; ; round++ {
		if round > l.cfg.MaxRounds {
			return l.fail(round-1, fmt.Sprintf("Alignment did not converge within %d rounds. Last question: %q", l.cfg.MaxRounds, question))
		}

		l.logger.Info("waiting for operator", "round", round, "question", question, "timeout", l.cfg.InboxWait)

		messages, err := l.inbox.Wait(ctx, l.cfg.InboxWait)
		if errors.Is(err, mailbox.ErrWaitTimeout) {
			return l.fail(round-1, fmt.Sprintf("No operator reply within %s. Unanswered question: %q", l.cfg.InboxWait, question))
		}
		if err != nil {
			return nil, fmt.Errorf("failed waiting for operator reply: %w", err)
		}

		answer := strings.Join(messages, "\n")
		history = append(history, prompt.Exchange{Question: question, Answer: answer})
		l.metrics.AlignmentRound()
		l.logger.Info("operator replied", "round", round, "messages", len(messages))

		res, err := l.resume(ctx, prompt.Resume(l.prompt, history))
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return l.fail(round, fmt.Sprintf("Alignment resume failed: %v", err))
		}

		if res.Outcome == runner.OutcomePaused {
			rec, err := InterceptPause(l.store, l.prompt.Task.ID, res.PauseMessage)
			if err != nil {
				return nil, err
			}
			question = rec.Question
			continue
		}

		rec, err := l.store.Load()
		if errors.Is(err, progress.ErrNotFound) {
			return l.fail(round, "Progress record disappeared during alignment")
		}
		if err != nil {
			return nil, err
		}

		if rec.Status != progress.StatusWaitingForHuman {
			l.logger.Info("alignment finished", "rounds", round, "status", rec.Status)
			return &Result{Status: rec.Status, Rounds: round}, nil
		}
		question = rec.Question
	}
}

// resume runs the worker once, and once more without capabilities if the
// first attempt fails
func (l *Loop) resume(ctx context.Context, text string) (*runner.Result, error) {
	opts := runner.Options{Timeout: l.cfg.RunTimeout, WithCapabilities: true}

	res, err := l.invoker.Run(ctx, text, opts)
	if err == nil || ctx.Err() != nil {
		return res, err
	}

	l.logger.Warn("alignment resume failed, retrying without capabilities", "error", err)
	opts.WithCapabilities = false
	return l.invoker.Run(ctx, text, opts)
}

func (l *Loop) fail(rounds int, reason string) (*Result, error) {
	l.logger.Warn("alignment failed", "reason", reason)
	if err := MarkFailed(l.store, l.prompt.Task.ID, reason); err != nil {
		return nil, err
	}
	return &Result{Status: progress.StatusFailed, Rounds: rounds, Failure: reason}, nil
}

// InterceptPause turns a paused run into a waiting record with a question
// synthesized from the pause message. The worker must have exited.
func InterceptPause(store Store, taskID, message string) (*progress.Record, error) {
	rec, err := loadOrSeed(store, taskID)
	if err != nil {
		return nil, err
	}

	checkpoint := progress.PhraseRunPaused
	if message != "" {
		checkpoint += ": " + message
	}
	rec.MarkWaiting(prompt.PauseQuestion(message), checkpoint)

	if err := store.Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkFailed writes a failed status with reason as the summary
func MarkFailed(store Store, taskID, reason string) error {
	rec, err := loadOrSeed(store, taskID)
	if err != nil {
		return err
	}
	rec.MarkFailed(reason)
	return store.Save(rec)
}

func loadOrSeed(store Store, taskID string) (*progress.Record, error) {
	rec, err := store.Load()
	if errors.Is(err, progress.ErrNotFound) {
		return progress.NewRecord(taskID, ""), nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

package testharness

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/featbit/vibeguild-sub001/internal/ndjson"
	"github.com/featbit/vibeguild-sub001/internal/progress"
)

// Fake worker modes
const (
	ModeComplete    = "complete"     // records real work and exits
	ModeFinish      = "finish"       // marks the task completed itself
	ModeAsk         = "ask"          // asks a question, proceeds once answered
	ModeAskTwice    = "ask-twice"    // asks a follow-up before proceeding
	ModeSilent      = "silent"       // exits silently while capabilities are attached
	ModeCapsFail    = "caps-fail"    // exits non-zero while capabilities are attached
	ModeSleep       = "sleep"        // records a start checkpoint then sleeps
	ModeFail        = "fail"         // exits non-zero
	ModeIdle        = "idle"         // writes only boilerplate until remediated
	ModeNoop        = "noop"         // never touches the progress record
	ModeWaitForever = "wait-forever" // keeps asking on every resume
	ModeSelfFail    = "self-fail"    // reports itself blocked
)

// PromptRecord is one invocation captured by a fake worker
type PromptRecord struct {
	Prompt       string `json:"prompt"`
	Capabilities bool   `json:"capabilities"`
}

// FakeWorker is a scripted stand-in for the real worker executable. It
// reads its paths from the environment and the prompt from its last argument.
type FakeWorker struct {
	Mode         string
	Question     string
	Sleep        time.Duration
	ExitCode     int
	IgnoreTerm   bool
	Capabilities bool
	RecordFile   string

	Getenv func(string) string
	Stdout io.Writer
	Stderr io.Writer
}

// ParseFakeWorker parses command-line arguments. The final positional
// argument is the prompt.
func ParseFakeWorker(args []string, stdout, stderr io.Writer) (*FakeWorker, string, error) {
	w := &FakeWorker{Getenv: os.Getenv, Stdout: stdout, Stderr: stderr}

	fs := flag.NewFlagSet("fakeworker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&w.Mode, "mode", ModeComplete, "behaviour to simulate")
	fs.StringVar(&w.Question, "question", "Which tone?", "question asked in ask modes")
	fs.DurationVar(&w.Sleep, "sleep", time.Minute, "how long sleep mode sleeps")
	fs.IntVar(&w.ExitCode, "exit-code", 3, "exit code used by fail modes")
	fs.BoolVar(&w.IgnoreTerm, "ignore-term", false, "ignore SIGTERM")
	fs.BoolVar(&w.Capabilities, "cap", false, "set by capability args")
	fs.StringVar(&w.RecordFile, "record", "", "append every prompt to this NDJSON file")

	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if fs.NArg() == 0 {
		return nil, "", errors.New("missing prompt argument")
	}
	return w, fs.Arg(fs.NArg() - 1), nil
}

// Run executes the scripted behaviour and returns the process exit code
func (w *FakeWorker) Run(ctx context.Context, prompt string) int {
	if err := w.record(prompt); err != nil {
		fmt.Fprintf(w.Stderr, "fakeworker: %v\n", err)
		return 1
	}

	resume := strings.HasPrefix(prompt, "You are resuming")
	remediation := strings.HasPrefix(prompt, "Remediation attempt")

	switch w.Mode {
	case ModeComplete:
		return w.doWork("Drafted the first version")

	case ModeFinish:
		fmt.Fprintln(w.Stdout, "finishing task")
		return w.update(func(r *progress.Record) {
			r.AddCheckpoint("Delivered the result")
			r.MarkCompleted("Work complete")
		})

	case ModeAsk:
		if resume {
			return w.doWork("Applied operator answer: " + lastAnswer(prompt))
		}
		return w.ask(w.Question)

	case ModeAskTwice:
		switch {
		case strings.Contains(prompt, "Round 2"):
			return w.doWork("Applied operator answers: " + lastAnswer(prompt))
		case resume:
			return w.ask("Follow-up: " + w.Question)
		default:
			return w.ask(w.Question)
		}

	case ModeWaitForever:
		return w.ask(w.Question)

	case ModeSilent:
		if w.Capabilities {
			return 0
		}
		return w.doWork("Wrote output without capabilities")

	case ModeCapsFail:
		if w.Capabilities {
			fmt.Fprintln(w.Stderr, "capability layer crashed")
			return w.ExitCode
		}
		if resume {
			return w.doWork("Applied operator answer: " + lastAnswer(prompt))
		}
		return w.doWork("Worked without capabilities")

	case ModeSleep:
		if resume {
			return w.doWork("Resumed after pause: " + lastAnswer(prompt))
		}
		if code := w.update(func(r *progress.Record) {
			r.Status = progress.StatusInProgress
			r.AddCheckpoint("Started drafting")
			r.SetPercent(10)
		}); code != 0 {
			return code
		}
		fmt.Fprintln(w.Stdout, "sleeping")
		select {
		case <-time.After(w.Sleep):
			return w.doWork("Finished after sleeping")
		case <-ctx.Done():
			fmt.Fprintln(w.Stderr, "terminated")
			return 143
		}

	case ModeFail:
		fmt.Fprintln(w.Stderr, "fatal: scripted failure")
		return w.ExitCode

	case ModeIdle:
		if remediation {
			return w.doWork("Wrote the first section")
		}
		fmt.Fprintln(w.Stdout, "looking around")
		return w.update(func(r *progress.Record) {
			r.Status = progress.StatusInProgress
			r.Summary = "Starting"
			r.AddCheckpoint(progress.PhraseRunStarted)
		})

	case ModeSelfFail:
		fmt.Fprintln(w.Stdout, "giving up")
		return w.update(func(r *progress.Record) {
			r.Status = progress.StatusBlocked
			r.Summary = "Missing access to the release branch"
		})

	case ModeNoop:
		fmt.Fprintln(w.Stdout, "nothing to do")
		return 0
	}

	fmt.Fprintf(w.Stderr, "fakeworker: unknown mode %q\n", w.Mode)
	return 2
}

func (w *FakeWorker) doWork(checkpoint string) int {
	fmt.Fprintln(w.Stdout, checkpoint)
	return w.update(func(r *progress.Record) {
		r.Status = progress.StatusInProgress
		r.Question = ""
		r.Summary = checkpoint
		r.SetPercent(60)
		r.AddCheckpoint(checkpoint)
	})
}

func (w *FakeWorker) ask(question string) int {
	fmt.Fprintln(w.Stdout, "need input: "+question)
	return w.update(func(r *progress.Record) {
		r.MarkWaiting(question, "")
	})
}

func (w *FakeWorker) update(fn func(r *progress.Record)) int {
	path := w.Getenv("VIBEGUILD_PROGRESS_FILE")
	if path == "" {
		fmt.Fprintln(w.Stderr, "fakeworker: VIBEGUILD_PROGRESS_FILE not set")
		return 1
	}
	taskID := w.Getenv("VIBEGUILD_TASK_ID")

	store := progress.NewStore(path)
	_, err := store.Update(func() *progress.Record {
		return progress.NewRecord(taskID, "")
	}, func(r *progress.Record) error {
		fn(r)
		if r.RepoURL == "" {
			r.RepoURL = w.Getenv("VIBEGUILD_REPO_URL")
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(w.Stderr, "fakeworker: %v\n", err)
		return 1
	}
	return 0
}

func (w *FakeWorker) record(prompt string) error {
	if w.RecordFile == "" {
		return nil
	}
	f, err := os.OpenFile(w.RecordFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open record file: %w", err)
	}
	defer f.Close()

	enc := ndjson.NewEncoder(f, slog.New(slog.NewTextHandler(w.Stderr, nil)))
	return enc.Encode(PromptRecord{Prompt: prompt, Capabilities: w.Capabilities})
}

// ReadPromptRecords loads every prompt captured in path
func ReadPromptRecords(path string) ([]PromptRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open record file: %w", err)
	}
	defer f.Close()

	dec := ndjson.NewDecoder(f, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var records []PromptRecord
	for {
		var rec PromptRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

// lastAnswer extracts the most recent operator answer from a resume prompt
func lastAnswer(prompt string) string {
	const marker = "Human answered: "
	idx := strings.LastIndex(prompt, marker)
	if idx < 0 {
		return ""
	}
	answer := prompt[idx+len(marker):]
	if end := strings.IndexByte(answer, '\n'); end >= 0 {
		answer = answer[:end]
	}
	return strings.TrimSpace(answer)
}

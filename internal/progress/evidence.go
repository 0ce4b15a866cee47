package progress

import "strings"

// MinEvidencePercent is the percentComplete a non-boilerplate summary needs
// before it counts as evidence of work on its own.
const MinEvidencePercent = 10

// Lifecycle checkpoint phrases written by the supervisor itself. They never
// count as evidence of work.
const (
	PhraseRunStarted     = "Run started"
	PhraseRunResumed     = "Run resumed"
	PhraseRunPaused      = "Run paused"
	PhraseRunFinished    = "Run finished"
	PhraseAutoValidation = "Auto-validation"
)

var boilerplatePrefixes = []string{
	strings.ToLower(PhraseRunStarted),
	strings.ToLower(PhraseRunResumed),
	strings.ToLower(PhraseRunPaused),
	strings.ToLower(PhraseRunFinished),
	strings.ToLower(PhraseAutoValidation),
}

var boilerplateSummaries = map[string]bool{
	"":             true,
	"starting":     true,
	"started":      true,
	"task started": true,
	"in progress":  true,
	"working":      true,
	"initializing": true,
}

// IsBoilerplate reports whether text is a lifecycle phrase rather than a
// description of real work.
func IsBoilerplate(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return true
	}
	for _, prefix := range boilerplatePrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

func isBoilerplateSummary(summary string) bool {
	normalized := strings.ToLower(strings.TrimSpace(summary))
	normalized = strings.TrimRight(normalized, ".! ")
	return boilerplateSummaries[normalized] || IsBoilerplate(normalized)
}

// EvidenceCount returns the number of checkpoints that describe real work.
func EvidenceCount(r *Record) int {
	return EvidenceCountSince(r, 0)
}

// EvidenceCountSince counts work checkpoints appended after the first
// baseline checkpoints. A record holding fewer than baseline checkpoints was
// rewritten from scratch, so all of its checkpoints are new.
func EvidenceCountSince(r *Record, baseline int) int {
	if r == nil {
		return 0
	}
	if baseline < 0 || baseline > len(r.Checkpoints) {
		baseline = 0
	}
	n := 0
	for _, cp := range r.Checkpoints[baseline:] {
		if !IsBoilerplate(cp.Description) {
			n++
		}
	}
	return n
}

// HasEvidence reports whether the record shows genuine work: a
// non-boilerplate checkpoint, or a non-boilerplate summary together with
// percentComplete >= MinEvidencePercent.
func HasEvidence(r *Record) bool {
	return HasEvidenceSince(r, 0)
}

// HasEvidenceSince applies HasEvidence to the part of the record written
// after baseline checkpoints. The summary is judged as is; callers clear a
// stale summary when a new run starts.
func HasEvidenceSince(r *Record, baseline int) bool {
	if r == nil {
		return false
	}
	if EvidenceCountSince(r, baseline) > 0 {
		return true
	}
	return !isBoilerplateSummary(r.Summary) && r.PercentComplete >= MinEvidencePercent
}

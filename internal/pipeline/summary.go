package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is the terminal state an email reached in a run.
type State string

const (
	StateStored  State = "stored"
	StateSkipped State = "skipped"
	StateFailed  State = "failed"
)

// Failure is one recorded failure reason.
type Failure struct {
	SourceKey string `json:"source_key"`
	Reason    string `json:"reason"`
}

// RunSummary is the user-visible result of a run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Received counts the emails handed to the run.
	Received int `json:"received"`

	// AlreadyProcessed counts emails skipped by the membership check.
	AlreadyProcessed int `json:"already_processed"`

	// Deferred counts emails over max_emails_per_run, left for the next run.
	Deferred int `json:"deferred"`

	// Unstarted counts emails not reached because the run was cancelled.
	Unstarted int `json:"unstarted"`

	Stored  int `json:"stored"`
	New     int `json:"new"`
	Merged  int `json:"merged"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`

	// Failures holds the first few failure reasons.
	Failures []Failure `json:"failures,omitempty"`

	Cancelled bool `json:"cancelled"`

	mu          sync.Mutex
	maxFailures int
}

func newRunSummary(runID string, started time.Time, maxFailures int) *RunSummary {
	return &RunSummary{RunID: runID, StartedAt: started, maxFailures: maxFailures}
}

// Processed counts emails that reached a terminal state this run.
func (s *RunSummary) Processed() int {
	return s.Stored + s.Skipped
}

func (s *RunSummary) record(key string, st State, merged bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st {
	case StateStored:
		s.Stored++
		if merged {
			s.Merged++
		} else {
			s.New++
		}
	case StateSkipped:
		s.Skipped++
	case StateFailed:
		s.Failed++
		s.addFailure(key, reason)
	}
}

func (s *RunSummary) addFailure(key, reason string) {
	if len(s.Failures) < s.maxFailures {
		s.Failures = append(s.Failures, Failure{SourceKey: key, Reason: reason})
	}
}

// String renders the summary as a few human readable lines.
func (s *RunSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d received, %d already processed, %d stored (%d new, %d merged), %d skipped, %d failed",
		s.RunID, s.Received, s.AlreadyProcessed, s.Stored, s.New, s.Merged, s.Skipped, s.Failed)
	if s.Deferred > 0 {
		fmt.Fprintf(&b, ", %d deferred", s.Deferred)
	}
	if s.Cancelled {
		fmt.Fprintf(&b, ", cancelled with %d unstarted", s.Unstarted)
	}
	for _, f := range s.Failures {
		fmt.Fprintf(&b, "\n  %s: %s", f.SourceKey, f.Reason)
	}
	return b.String()
}

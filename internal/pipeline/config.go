package pipeline

import (
	"fmt"
	"time"
)

// Config holds run parameters. It is a snapshot: a run never observes changes
// made after it started.
type Config struct {
	// BatchSize bounds how many emails are in flight at once.
	BatchSize int

	// MaxEmailsPerRun caps how many unprocessed emails one run handles. The
	// rest are left for the next run.
	MaxEmailsPerRun int

	// DaysBackInitial is how far back the first fetch of an account reaches.
	DaysBackInitial int

	// DedupWindow bounds the recent, same-account records compared first.
	DedupWindow time.Duration

	// FullCorpusFallback compares against the whole store when nothing in the
	// recent window matches.
	FullCorpusFallback bool

	// IndexCandidates is how many nearest neighbours the similarity index
	// contributes to the corpus-wide comparison.
	IndexCandidates int

	// ModelTimeout bounds each extraction.
	ModelTimeout time.Duration

	// FailureReasons is how many failure reasons a run summary keeps.
	FailureReasons int
}

// DefaultConfig returns the default run parameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:          4,
		MaxEmailsPerRun:    200,
		DaysBackInitial:    7,
		DedupWindow:        14 * 24 * time.Hour,
		FullCorpusFallback: true,
		IndexCandidates:    20,
		ModelTimeout:       45 * time.Second,
		FailureReasons:     5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxEmailsPerRun == 0 {
		c.MaxEmailsPerRun = d.MaxEmailsPerRun
	}
	if c.DaysBackInitial == 0 {
		c.DaysBackInitial = d.DaysBackInitial
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.IndexCandidates == 0 {
		c.IndexCandidates = d.IndexCandidates
	}
	if c.ModelTimeout == 0 {
		c.ModelTimeout = d.ModelTimeout
	}
	if c.FailureReasons == 0 {
		c.FailureReasons = d.FailureReasons
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.MaxEmailsPerRun < 1 {
		return fmt.Errorf("max_emails_per_run must be at least 1, got %d", c.MaxEmailsPerRun)
	}
	if c.DaysBackInitial < 0 {
		return fmt.Errorf("days_back_initial must not be negative, got %d", c.DaysBackInitial)
	}
	if c.DedupWindow < 0 || c.ModelTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

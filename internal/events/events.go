// Package events publishes pipeline notifications to a message bus.
//
// Publishing is best effort. The pipeline logs publish failures and carries
// on; a run never fails because the bus is unavailable.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Type names an event. It is appended to the subject prefix.
type Type string

const (
	RunStarted        Type = "run.started"
	RunCompleted      Type = "run.completed"
	OpportunityStored Type = "opportunity.stored"
)

// DefaultPrefix is the subject (or channel) prefix used when none is set.
const DefaultPrefix = "sentinel"

// ErrUnknownDriver is returned by New for unsupported drivers.
var ErrUnknownDriver = errors.New("unknown events driver")

// Event is the message body, JSON encoded on the wire.
type Event struct {
	Type  Type      `json:"type"`
	RunID string    `json:"run_id,omitempty"`
	At    time.Time `json:"at"`

	OpportunityID string  `json:"opportunity_id,omitempty"`
	Title         string  `json:"title,omitempty"`
	Action        string  `json:"action,omitempty"`
	Priority      float64 `json:"priority,omitempty"`

	Counts map[string]int `json:"counts,omitempty"`
}

// Subject returns the full subject for e under prefix.
func (e Event) Subject(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + string(e.Type)
}

func encode(e Event) ([]byte, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Publisher sends events to a bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Config selects a publisher.
type Config struct {
	Driver string // none, nats or redis
	URL    string
	Prefix string
}

// New returns the publisher named by cfg.Driver. An empty driver returns Nop.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "nats":
		p, err := NewNATS(cfg.URL, cfg.Prefix, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "redis":
		p, err := NewRedis(ctx, cfg.URL, cfg.Prefix, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

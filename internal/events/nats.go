package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS publishes events as NATS core messages on <prefix>.<type>.
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATS connects to url.
func NewNATS(url, prefix string, logger *zap.Logger) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("sentinel"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("Connected to NATS", zap.String("url", url))
	return &NATS{conn: nc, prefix: prefix, logger: logger}, nil
}

func (p *NATS) Publish(_ context.Context, e Event) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(e.Subject(p.prefix), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATS) Close() error {
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		p.logger.Warn("flushing NATS connection", zap.Error(err))
	}
	p.conn.Close()
	return nil
}

var _ Publisher = (*NATS)(nil)

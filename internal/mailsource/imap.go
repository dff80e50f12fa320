package mailsource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// IMAPConfig describes one mailbox.
type IMAPConfig struct {
	Account  string
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
	TLS      bool
}

// Addr returns host:port, defaulting the port from TLS.
func (c IMAPConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 143
		if c.TLS {
			port = 993
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// IMAPSource fetches messages from an IMAP mailbox. The mailbox is opened
// read-only; nothing on the server is changed.
type IMAPSource struct {
	cfg    IMAPConfig
	logger *zap.Logger
}

// NewIMAPSource validates cfg and returns a source for it. No connection is
// made until Fetch.
func NewIMAPSource(cfg IMAPConfig, logger *zap.Logger) (*IMAPSource, error) {
	if cfg.Account == "" || cfg.Host == "" || cfg.Username == "" {
		return nil, errors.New("imap account, host and username are required")
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IMAPSource{cfg: cfg, logger: logger.With(zap.String("account", cfg.Account))}, nil
}

func (s *IMAPSource) Account() string { return s.cfg.Account }

func (s *IMAPSource) dial() (*client.Client, error) {
	if s.cfg.TLS {
		return client.DialTLS(s.cfg.Addr(), nil)
	}
	return client.Dial(s.cfg.Addr())
}

func (s *IMAPSource) Fetch(ctx context.Context, since time.Time) ([]opportunity.RawEmail, error) {
	c, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", s.cfg.Addr(), err)
	}
	// go-imap v1 is not context aware; drop the connection on cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Terminate()
		case <-stop:
		}
	}()
	defer func() {
		if err := c.Logout(); err != nil && ctx.Err() == nil {
			s.logger.Debug("imap logout", zap.Error(err))
		}
	}()

	if err := c.Login(s.cfg.Username, s.cfg.Password); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if _, err := c.Select(s.cfg.Mailbox, true); err != nil {
		return nil, fmt.Errorf("select %s: %w", s.cfg.Mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	if !since.IsZero() {
		criteria.Since = since
	}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	s.logger.Info("imap search", zap.Int("messages", len(uids)), zap.Time("since", since))
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	var section imap.BodySectionName
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid, imap.FetchInternalDate}
	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var emails []opportunity.RawEmail
	for msg := range messages {
		body := msg.GetBody(&section)
		if body == nil {
			continue
		}
		email, err := ParseMessage(s.cfg.Account, body, "uid-"+strconv.FormatUint(uint64(msg.Uid), 10), msg.InternalDate)
		if err != nil {
			s.logger.Warn("skipping unreadable message", zap.Uint32("uid", msg.Uid), zap.Error(err))
			continue
		}
		// IMAP SINCE has day granularity.
		if !since.IsZero() && email.Received.Before(since) {
			continue
		}
		emails = append(emails, email)
	}
	if err := <-done; err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}

	sort.SliceStable(emails, func(i, j int) bool {
		return emails[i].Received.Before(emails[j].Received)
	})
	return emails, nil
}

var _ Source = (*IMAPSource)(nil)

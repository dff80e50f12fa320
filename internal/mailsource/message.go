package mailsource

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// maxPartBytes caps how much of a single MIME part is read.
const maxPartBytes = 1 << 20

// ErrNoBody is returned when a message has no text or HTML part.
var ErrNoBody = errors.New("no text body found in message")

// ParseMessage reads one RFC 5322 message. The plain text part is preferred;
// an HTML-only message is converted with HTMLToText. fallbackID is used when
// the message has no Message-ID header, and fallbackDate when it has no Date.
func ParseMessage(account string, r io.Reader, fallbackID string, fallbackDate time.Time) (opportunity.RawEmail, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return opportunity.RawEmail{}, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	email := opportunity.RawEmail{Account: account}
	h := mr.Header

	email.MessageID, _ = h.MessageID()
	if email.MessageID == "" {
		email.MessageID = fallbackID
	}
	email.Subject, _ = h.Subject()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.Sender = from[0].Address
		if from[0].Name != "" {
			email.Sender = fmt.Sprintf("%s <%s>", from[0].Name, from[0].Address)
		}
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		email.Received = date.UTC()
	} else {
		email.Received = fallbackDate.UTC()
	}

	var plain, htmlBody string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if plain != "" || htmlBody != "" {
				break
			}
			return opportunity.RawEmail{}, fmt.Errorf("read part: %w", err)
		}
		ih, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		if ct != "" && ct != "text/plain" && ct != "text/html" {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(p.Body, maxPartBytes))
		if err != nil {
			return opportunity.RawEmail{}, fmt.Errorf("read body: %w", err)
		}
		switch ct {
		case "text/html":
			if htmlBody == "" {
				htmlBody = string(data)
			}
		default:
			if plain == "" {
				plain = string(data)
			}
		}
	}

	switch {
	case strings.TrimSpace(plain) != "":
		email.Body = strings.TrimSpace(plain)
	case htmlBody != "":
		email.Body = HTMLToText(htmlBody)
	default:
		return opportunity.RawEmail{}, ErrNoBody
	}

	if err := email.Validate(); err != nil {
		return opportunity.RawEmail{}, err
	}
	return email, nil
}

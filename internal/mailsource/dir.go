package mailsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// DirSource reads *.eml files from a directory. Files that fail to parse are
// logged and skipped. A message without a Message-ID is identified by its
// file name.
type DirSource struct {
	account string
	dir     string
	logger  *zap.Logger
}

// NewDirSource returns a Source over the .eml files in dir.
func NewDirSource(account, dir string, logger *zap.Logger) *DirSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirSource{account: account, dir: dir, logger: logger}
}

func (s *DirSource) Account() string { return s.account }

func (s *DirSource) Fetch(ctx context.Context, since time.Time) ([]opportunity.RawEmail, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read mail directory: %w", err)
	}

	var emails []opportunity.RawEmail
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".eml") {
			continue
		}
		email, err := s.readFile(e)
		if err != nil {
			s.logger.Warn("skipping unreadable message",
				zap.String("file", e.Name()),
				zap.Error(err),
			)
			continue
		}
		if !since.IsZero() && email.Received.Before(since) {
			continue
		}
		emails = append(emails, email)
	}

	sort.SliceStable(emails, func(i, j int) bool {
		return emails[i].Received.Before(emails[j].Received)
	})
	return emails, nil
}

func (s *DirSource) readFile(e os.DirEntry) (opportunity.RawEmail, error) {
	path := filepath.Join(s.dir, e.Name())
	f, err := os.Open(path)
	if err != nil {
		return opportunity.RawEmail{}, err
	}
	defer f.Close()

	var modTime time.Time
	if info, err := e.Info(); err == nil {
		modTime = info.ModTime()
	}
	id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
	return ParseMessage(s.account, f, id, modTime)
}

var _ Source = (*DirSource)(nil)

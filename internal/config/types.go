package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a non-negative time.Duration read from text. Besides Go
// duration syntax it accepts a leading day or week count, so retention and
// dedup windows can be written "14d", "2w" or "1d12h".
type Duration time.Duration

// ParseDuration parses s as described on Duration.
func ParseDuration(s string) (time.Duration, error) {
	orig := s
	s = strings.TrimSpace(s)
	var base time.Duration
	if i := strings.IndexAny(s, "dw"); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err == nil {
			unit := 24 * time.Hour
			if s[i] == 'w' {
				unit *= 7
			}
			base = time.Duration(n) * unit
			s = s[i+1:]
		}
	}
	var rest time.Duration
	if s != "" {
		var err error
		if rest, err = time.ParseDuration(s); err != nil {
			return 0, err
		}
	}
	d := base + rest
	if d < 0 || base < 0 {
		return 0, fmt.Errorf("duration cannot be negative: %s", orig)
	}
	return d, nil
}

// UnmarshalText implements encoding.TextUnmarshaler. d is left unchanged on
// error.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

const redacted = "[REDACTED]"

// Secret holds a credential such as an IMAP password, an LLM API key or a
// database DSN. Every printing and encoding path shows [REDACTED]; only Value
// returns the credential.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string {
	return "Secret(" + redacted + ")"
}

// Value returns the credential.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool {
	return s != ""
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalText accepts the raw credential from YAML or the environment.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}

// UnmarshalJSON reads a raw credential. An exported [REDACTED] placeholder
// decodes as unset so it is never mistaken for a real value.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == redacted {
		raw = ""
	}
	*s = Secret(raw)
	return nil
}

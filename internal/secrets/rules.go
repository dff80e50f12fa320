package secrets

// Rule describes one kind of sensitive text.
type Rule struct {
	ID          string   `koanf:"id"`
	Description string   `koanf:"description"`
	Pattern     string   `koanf:"pattern"`
	Keywords    []string `koanf:"keywords"`

	// Check names a post-match validator. The only one is "luhn".
	Check string `koanf:"check"`
}

// DefaultRules returns the built-in rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "private-key",
			Description: "PEM private key block",
			Pattern:     `(?s)-----BEGIN[A-Z ]*PRIVATE KEY-----.*?-----END[A-Z ]*PRIVATE KEY-----`,
			Keywords:    []string{"PRIVATE KEY"},
		},
		{
			ID:          "aws-access-key",
			Description: "AWS access key ID",
			Pattern:     `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`,
		},
		{
			ID:          "github-token",
			Description: "GitHub token",
			Pattern:     `\b(?:gh[pousr]_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{22,})\b`,
		},
		{
			ID:          "slack-token",
			Description: "Slack token",
			Pattern:     `\bxox[abposr]-[A-Za-z0-9-]{10,}`,
		},
		{
			ID:          "model-api-key",
			Description: "Hosted model API key",
			Pattern:     `\bsk-(?:ant-)?[A-Za-z0-9_-]{20,}`,
		},
		{
			ID:          "bearer-token",
			Description: "HTTP bearer token",
			Pattern:     `(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`,
			Keywords:    []string{"bearer"},
		},
		{
			ID:          "api-key",
			Description: "Labelled API key or token",
			Pattern:     `(?i)\b(?:api[_ -]?key|access[_ -]?token|secret[_ -]?key)\s*[:=]\s*["']?[A-Za-z0-9._-]{16,}`,
			Keywords:    []string{"key", "token"},
		},
		{
			ID:          "password",
			Description: "Password given in the message",
			Pattern:     `(?i)\b(?:password|passwort|passcode|pwd)\s*[:=]\s*\S+`,
			Keywords:    []string{"pass", "pwd"},
		},
		{
			ID:          "one-time-code",
			Description: "Verification or one-time code",
			Pattern:     `(?i)\b(?:verification|security|confirmation|login|one[- ]time)\s+code\s*(?:is|:)?\s*\d{4,8}\b`,
			Keywords:    []string{"code"},
		},
		{
			ID:          "reset-link",
			Description: "Password reset or magic sign-in link",
			Pattern:     `https?://\S*(?:reset|magic|signin|sign-in|verify)\S*[?&](?:token|code|key)=[^\s&>)"]+`,
			Keywords:    []string{"token=", "code=", "key="},
		},
		{
			ID:          "card-number",
			Description: "Payment card number",
			Pattern:     `\b\d(?:[ -]?\d){12,18}\b`,
			Check:       "luhn",
		},
	}
}

// luhn reports whether the digits in s pass the Luhn checksum. Separators
// are ignored.
func luhn(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}

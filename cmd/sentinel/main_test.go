package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

const fellowshipMail = "From: XYZ Foundation <news@xyz.org>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Apply now for the XYZ Fellowship\r\n" +
	"Date: Wed, 01 May 2024 10:00:00 +0200\r\n" +
	"Message-ID: <m-1@xyz.org>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"The XYZ Fellowship funds a year of independent research.\r\n"

const newsletterMail = "From: Weekly <weekly@example.org>\r\n" +
	"Subject: This week in gardening\r\n" +
	"Date: Thu, 02 May 2024 08:00:00 +0000\r\n" +
	"Message-ID: <m-2@example.org>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Tomatoes, peppers and more.\r\n"

// setupEnv points HOME, the store and the profile at a temp directory and
// returns the directory holding the test mail.
func setupEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SENTINEL_STORE_DRIVER", "sqlite")
	t.Setenv("SENTINEL_STORE_PATH", filepath.Join(home, "data", "sentinel.db"))
	t.Setenv("SENTINEL_LLM_PROVIDER", "heuristic")
	t.Setenv("SENTINEL_LOGGING_LEVEL", "error")
	t.Setenv("SENTINEL_INDEX_ENABLED", "false")

	profilePath := filepath.Join(home, "profile.yaml")
	require.NoError(t, os.WriteFile(profilePath, []byte("interests: [fellowship, research]\npreferred_types: [fellowship]\n"), 0o600))
	t.Setenv("SENTINEL_PROFILE_PATH", profilePath)

	mail := filepath.Join(home, "mail")
	require.NoError(t, os.MkdirAll(mail, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(mail, "1.eml"), []byte(fellowshipMail), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(mail, "2.eml"), []byte(newsletterMail), 0o600))
	return mail
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out, io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sentinel dev")
}

func TestRunFromDir(t *testing.T) {
	mail := setupEnv(t)

	out, err := execute(t, "run", "--from-dir", mail, "--account", "archive")
	require.NoError(t, err)
	assert.Contains(t, out, "2 received")
	assert.Contains(t, out, "1 stored (1 new, 0 merged), 1 skipped, 0 failed")

	out, err = execute(t, "run", "--from-dir", mail, "--account", "archive")
	require.NoError(t, err)
	assert.Contains(t, out, "2 already processed", "processed mail is never extracted again")

	out, err = execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Apply now for the XYZ Fellowship")
	assert.Contains(t, out, "fellowship")
	assert.NotContains(t, out, "gardening")
}

func TestSummaryMarkSeen(t *testing.T) {
	mail := setupEnv(t)
	_, err := execute(t, "run", "--from-dir", mail, "--account", "archive")
	require.NoError(t, err)

	out, err := execute(t, "summary")
	require.NoError(t, err)
	assert.Contains(t, out, "Apply now for the XYZ Fellowship")
	assert.NotContains(t, out, "marked seen")

	out, err = execute(t, "summary", "--mark-seen")
	require.NoError(t, err)
	assert.Contains(t, out, "1 opportunities marked seen")

	out, err = execute(t, "summary")
	require.NoError(t, err)
	assert.NotContains(t, out, "Apply now for the XYZ Fellowship", "seen opportunities are not repeated")

	out, err = execute(t, "list", "--status", "seen")
	require.NoError(t, err)
	assert.Contains(t, out, "Apply now for the XYZ Fellowship")
}

func TestMarkSeen(t *testing.T) {
	mail := setupEnv(t)
	_, err := execute(t, "run", "--from-dir", mail, "--account", "archive")
	require.NoError(t, err)

	id := opportunity.DeriveID("Apply now for the XYZ Fellowship", "archive")
	out, err := execute(t, "mark-seen", id, "unknown")
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 2 marked seen")

	_, err = execute(t, "mark-seen")
	assert.Error(t, err)
}

func TestExportAndStats(t *testing.T) {
	mail := setupEnv(t)
	_, err := execute(t, "run", "--from-dir", mail, "--account", "archive")
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "export.json")
	out, err := execute(t, "export", "--out", file)
	require.NoError(t, err)
	assert.Contains(t, out, "exported 1 opportunities")

	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	var opps []opportunity.Opportunity
	require.NoError(t, json.Unmarshal(raw, &opps))
	require.Len(t, opps, 1)
	assert.Equal(t, opportunity.TypeFellowship, opps[0].Type)
	assert.Equal(t, []string{"archive/m-1@xyz.org"}, opps[0].SourceKeys)

	out, err = execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "opportunities: 1")
	assert.Contains(t, out, "processed emails: 2")
}

func TestArchive(t *testing.T) {
	mail := setupEnv(t)
	_, err := execute(t, "run", "--from-dir", mail, "--account", "archive")
	require.NoError(t, err)

	out, err := execute(t, "archive", "--older-than", "24h")
	require.NoError(t, err)
	assert.Contains(t, out, "archived 1 opportunities")

	out, err = execute(t, "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "XYZ Fellowship")

	_, err = execute(t, "archive", "--older-than", "0s")
	assert.Error(t, err)
}

func TestRun_NoAccounts(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no accounts configured")
}

func TestSearch_RequiresIndex(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "search", "fellowship")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index.enabled")
}

func TestSearch_WithIndex(t *testing.T) {
	mail := setupEnv(t)
	t.Setenv("SENTINEL_INDEX_ENABLED", "true")
	t.Setenv("SENTINEL_INDEX_PATH", filepath.Join(t.TempDir(), "index"))

	_, err := execute(t, "run", "--from-dir", mail, "--account", "archive")
	require.NoError(t, err)

	out, err := execute(t, "search", "research", "fellowship")
	require.NoError(t, err)
	assert.Contains(t, out, "Apply now for the XYZ Fellowship")
}

func TestConfigValidate(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "config: ok")
	assert.Contains(t, out, "profile: ok (2 interests, 0 exclusions)")

	out, err = execute(t, "config", "validate", "--profile", filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "default profile will be used")

	t.Setenv("SENTINEL_PIPELINE_BATCH_SIZE", "-1")
	_, err = execute(t, "config", "validate")
	assert.Error(t, err)
}

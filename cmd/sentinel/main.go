// Sentinel scans mailboxes for opportunities (fellowships, grants, jobs,
// events), keeps the ones that match the user's profile and ranks them.
//
// Usage:
//
//	# Process new mail from every configured account once
//	sentinel run
//
//	# Import a directory of .eml files
//	sentinel run --from-dir ./mail --account archive
//
//	# Run on a schedule and serve the HTTP API
//	sentinel daemon
//
// Configuration is read from ~/.config/sentinel/config.yaml and SENTINEL_*
// environment variables. See internal/config for details.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath  string
	profilePath string
	out         io.Writer
	errOut      io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Find and rank opportunities in your email",
		Long: `sentinel reads new mail, extracts opportunities such as fellowships,
grants, jobs and events, drops the ones that do not fit your profile, merges
duplicates and ranks the rest by relevance and urgency.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/sentinel/config.yaml)")
	root.PersistentFlags().StringVar(&opts.profilePath, "profile", "", "interest profile, overrides profile_path")

	root.AddCommand(
		newRunCmd(opts),
		newDaemonCmd(opts),
		newServeCmd(opts),
		newListCmd(opts),
		newSummaryCmd(opts),
		newMarkSeenCmd(opts),
		newSearchCmd(opts),
		newExportCmd(opts),
		newArchiveCmd(opts),
		newStatsCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kiwaku/Sentinel/internal/config"
	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/profile"
	"github.com/kiwaku/Sentinel/internal/scoring"
	"github.com/kiwaku/Sentinel/internal/store"
	"github.com/kiwaku/Sentinel/internal/summary"
)

// scored pairs an opportunity with its fresh score.
type scored struct {
	opp      *opportunity.Opportunity
	score    float64
	category scoring.Category
}

func rank(opps []*opportunity.Opportunity, p *profile.Profile, now time.Time) []scored {
	out := make([]scored, 0, len(opps))
	for _, o := range opps {
		s := scoring.Score(o, p, now)
		out = append(out, scored{opp: o, score: s, category: scoring.Categorize(s)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func parseStatuses(raw string) ([]opportunity.Status, error) {
	if raw == "" || raw == "all" {
		return nil, nil
	}
	var out []opportunity.Status
	for _, part := range strings.Split(raw, ",") {
		st, err := opportunity.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func formatDeadline(d *time.Time) string {
	if d == nil {
		return "-"
	}
	return d.Format("2006-01-02")
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		status  string
		account string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored opportunities by current score",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			statuses, err := parseStatuses(status)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				p, err := a.profile(ctx)
				if err != nil {
					return err
				}
				opps, err := a.store.Query(ctx, store.Filter{Statuses: statuses, Account: account})
				if err != nil {
					return err
				}
				ranked := rank(opps, p, time.Now())
				if limit > 0 && len(ranked) > limit {
					ranked = ranked[:limit]
				}

				tw := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SCORE\tCATEGORY\tTYPE\tDEADLINE\tSTATUS\tID\tTITLE")
				for _, r := range ranked {
					fmt.Fprintf(tw, "%.2f\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.score, r.category, r.opp.Type, formatDeadline(r.opp.Deadline), r.opp.Status, r.opp.ID, opportunity.Truncate(r.opp.Title, 70))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "new", "comma-separated statuses, or all")
	cmd.Flags().StringVar(&account, "account", "", "only opportunities from this account")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows, 0 for no limit")
	return cmd
}

func newSummaryCmd(opts *rootOptions) *cobra.Command {
	var markSeen bool
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the digest of new opportunities",
		Long: `Print the digest of new opportunities grouped into high priority and
exploratory sections. With --mark-seen, the opportunities in the digest move
from new to seen so the next digest does not repeat them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				p, err := a.profile(ctx)
				if err != nil {
					return err
				}
				d, err := summary.Build(ctx, a.store, p, time.Now(), summary.Config{
					MaxHighPriority: a.cfg.Summary.MaxHighPriority,
					MaxExploratory:  a.cfg.Summary.MaxExploratory,
				})
				if err != nil {
					return err
				}
				if err := summary.Render(opts.out, d); err != nil {
					return err
				}
				if !markSeen {
					return nil
				}
				n, err := summary.Commit(ctx, a.store, d)
				if err != nil {
					return err
				}
				a.logger.Info(ctx, "summary committed", zap.Int("marked_seen", n))
				fmt.Fprintf(opts.out, "\n%d opportunities marked seen\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&markSeen, "mark-seen", false, "mark the included opportunities as seen")
	return cmd
}

func newMarkSeenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-seen ID...",
		Short: "Mark opportunities as seen",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				n, err := a.store.MarkSeen(ctx, args)
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.out, "%d of %d marked seen\n", n, len(args))
				return nil
			})
		},
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Find stored opportunities similar to a text",
		Long: `Find stored opportunities similar to a text using the similarity index.
Requires index.enabled. Use --reindex once after enabling the index on an
existing store.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reindex, _ := cmd.Flags().GetBool("reindex")
			return withApp(ctx, opts, func(a *app) error {
				idx, err := a.similarityIndex()
				if err != nil {
					return err
				}
				if idx == nil {
					return errors.New("search needs the similarity index; set index.enabled")
				}
				if reindex {
					all, err := a.store.Query(ctx, store.Filter{})
					if err != nil {
						return err
					}
					if err := idx.Rebuild(ctx, all); err != nil {
						return err
					}
				}

				matches, err := idx.Query(ctx, strings.Join(args, " "), k)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SIMILARITY\tSTATUS\tID\tTITLE")
				for _, m := range matches {
					o, err := a.store.Get(ctx, m.ID)
					if errors.Is(err, store.ErrNotFound) {
						continue
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\n", m.Similarity, o.Status, o.ID, opportunity.Truncate(o.Title, 70))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&k, "limit", "k", 10, "maximum results")
	cmd.Flags().Bool("reindex", false, "rebuild the index from the store first")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var out, status string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored opportunities as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			statuses, err := parseStatuses(status)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				opps, err := a.store.Query(ctx, store.Filter{Statuses: statuses})
				if err != nil {
					return err
				}
				if out == "-" {
					return writeJSON(opts.out, opps)
				}
				f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return fmt.Errorf("failed to create export file: %w", err)
				}
				if err := writeJSON(f, opps); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(opts.out, "exported %d opportunities to %s\n", len(opps), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().StringVar(&status, "status", "all", "comma-separated statuses, or all")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	var raw string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive opportunities first seen before a cutoff",
		Long: `Move opportunities first seen longer ago than --older-than to the
archived status. Records and their source identifiers are kept, so archived
mail is never processed again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			olderThan, err := config.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("--older-than: %w", err)
			}
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				cutoff := time.Now().Add(-olderThan)
				n, err := a.store.Archive(ctx, cutoff)
				if err != nil {
					return err
				}
				a.logger.Info(ctx, "opportunities archived", zap.Int("count", n), zap.Time("cutoff", cutoff))
				fmt.Fprintf(opts.out, "archived %d opportunities first seen before %s\n", n, cutoff.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&raw, "older-than", "90d", "age cutoff, e.g. 90d or 2160h")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store and processing statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				p, err := a.profile(ctx)
				if err != nil {
					return err
				}
				st, err := a.store.Stats(ctx)
				if err != nil {
					return err
				}
				avg, err := averageScore(ctx, a.store, p)
				if err != nil {
					return err
				}
				printStats(opts.out, st, avg)
				return nil
			})
		},
	}
}

// averageScore is the mean fresh score of opportunities that are not
// archived.
func averageScore(ctx context.Context, st store.Store, p *profile.Profile) (float64, error) {
	opps, err := st.Query(ctx, store.Filter{Statuses: []opportunity.Status{opportunity.StatusNew, opportunity.StatusSeen}})
	if err != nil {
		return 0, err
	}
	if len(opps) == 0 {
		return 0, nil
	}
	now := time.Now()
	var total float64
	for _, o := range opps {
		total += scoring.Score(o, p, now)
	}
	return total / float64(len(opps)), nil
}

func printStats(w io.Writer, st *store.Stats, avg float64) {
	fmt.Fprintf(w, "opportunities: %d\n", st.Opportunities)
	for _, s := range []opportunity.Status{opportunity.StatusNew, opportunity.StatusSeen, opportunity.StatusArchived} {
		fmt.Fprintf(w, "  %-9s %d\n", s, st.ByStatus[s])
	}
	fmt.Fprintf(w, "average score: %.2f\n", avg)
	fmt.Fprintf(w, "processed emails: %d\n", st.Processed)

	outcomes := make([]string, 0, len(st.ByOutcome))
	for o := range st.ByOutcome {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %-9s %d\n", o, st.ByOutcome[store.Outcome(o)])
	}
}

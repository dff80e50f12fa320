package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/kiwaku/Sentinel/internal/http"
	"github.com/kiwaku/Sentinel/internal/logging"
	"github.com/kiwaku/Sentinel/internal/mailsource"
	"github.com/kiwaku/Sentinel/internal/pipeline"
	"github.com/kiwaku/Sentinel/internal/scheduler"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var fromDir, account string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process new mail once",
		Long: `Fetch new mail from every configured account, or import a directory of
.eml files, and run it through the pipeline once.

Examples:
  # All configured accounts
  sentinel run

  # One account
  sentinel run --account work

  # A directory of exported messages
  sentinel run --from-dir ./export --account archive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				p, err := a.profile(ctx)
				if err != nil {
					return err
				}
				coord, err := a.coordinator(ctx)
				if err != nil {
					return err
				}

				var sum *pipeline.RunSummary
				if fromDir != "" {
					name := account
					if name == "" {
						name = "local"
					}
					emails, err := mailsource.NewDirSource(name, fromDir, a.logger.Underlying().Named("mail")).Fetch(ctx, time.Time{})
					if err != nil {
						return err
					}
					sum, err = coord.Run(ctx, emails, p)
					if err != nil {
						return err
					}
				} else {
					sources, err := a.sources(account)
					if err != nil {
						return err
					}
					sum, err = coord.RunSources(ctx, sources, p)
					if err != nil {
						return err
					}
				}
				fmt.Fprintln(opts.out, sum.String())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&fromDir, "from-dir", "", "read .eml files from this directory instead of IMAP")
	cmd.Flags().StringVar(&account, "account", "", "only this account (with --from-dir: the account name to record)")
	return cmd
}

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run on a schedule and serve the HTTP API",
		Long: `Run the pipeline on the configured cron schedule (schedule.spec, default
"@every 6h") and serve the HTTP API until interrupted. The profile file is
watched and reloaded between runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				profiles, err := a.profileSource(ctx)
				if err != nil {
					return err
				}
				coord, err := a.coordinator(ctx)
				if err != nil {
					return err
				}
				sources, err := a.sources("")
				if err != nil {
					return err
				}

				job := func(ctx context.Context) error {
					ctx = logging.WithRunID(ctx, uuid.NewString())
					sum, err := coord.RunSources(ctx, sources, profiles.Current())
					if err != nil {
						return err
					}
					a.logger.Info(ctx, "scheduled run finished",
						zap.Int("stored", sum.Stored),
						zap.Int("failed", sum.Failed),
					)
					return nil
				}
				sched, err := scheduler.New(job,
					scheduler.WithSpec(a.cfg.Schedule.Spec),
					scheduler.WithRunOnStart(a.cfg.Schedule.RunOnStart),
					scheduler.WithLogger(a.logger.Underlying().Named("scheduler")),
				)
				if err != nil {
					return err
				}

				srv, err := a.server(profiles, httpapi.WithRuns(coord))
				if err != nil {
					return err
				}

				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer sched.Stop()

				a.logger.Info(ctx, "daemon started",
					zap.String("schedule", sched.Spec()),
					zap.String("addr", srv.Addr()),
				)
				return serveUntilDone(ctx, a, srv)
			})
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API without scheduling runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				profiles, err := a.profileSource(ctx)
				if err != nil {
					return err
				}
				srv, err := a.server(profiles)
				if err != nil {
					return err
				}
				return serveUntilDone(ctx, a, srv)
			})
		},
	}
}

// profileSource prefers a watched profile and falls back to a static one.
func (a *app) profileSource(ctx context.Context) (httpapi.ProfileSource, error) {
	w, err := a.watcher(ctx)
	if err != nil {
		return nil, err
	}
	if w == nil {
		p, err := a.profile(ctx)
		if err != nil {
			return nil, err
		}
		return httpapi.StaticProfile{P: p}, nil
	}
	go w.Run(ctx)
	return w, nil
}

func (a *app) server(profiles httpapi.ProfileSource, opts ...httpapi.Option) (*httpapi.Server, error) {
	idx, err := a.similarityIndex()
	if err != nil {
		return nil, err
	}
	if idx != nil {
		opts = append(opts, httpapi.WithIndex(idx))
	}
	opts = append(opts, httpapi.WithTelemetry(a.telemetry))
	return httpapi.NewServer(a.store, profiles, a.logger, &httpapi.Config{
		Host:    a.cfg.Server.Host,
		Port:    a.cfg.Server.Port,
		Version: version,
	}, opts...)
}

// serveUntilDone runs srv until ctx is cancelled, then shuts it down within
// server.shutdown_timeout.
func serveUntilDone(ctx context.Context, a *app, srv *httpapi.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/kiwaku/Sentinel/internal/config"
	"github.com/kiwaku/Sentinel/internal/profile"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the config file and the interest profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFile(opts.configPath)
			if err != nil {
				return err
			}
			if opts.profilePath != "" {
				cfg.ProfilePath = opts.profilePath
			}
			fmt.Fprintln(opts.out, "config: ok")

			path, err := config.ExpandHome(cfg.ProfilePath)
			if err != nil {
				return err
			}
			p, err := profile.Load(path)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				fmt.Fprintf(opts.out, "profile: %s not found, the default profile will be used\n", path)
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(opts.out, "profile: ok (%d interests, %d exclusions)\n", len(p.Interests), len(p.Exclusions))
			return nil
		},
	})
	return cmd
}

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(opts.out, "sentinel %s\n", version)
			fmt.Fprintf(opts.out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(opts.out, "Build Date: %s\n", buildDate)
		},
	}
}

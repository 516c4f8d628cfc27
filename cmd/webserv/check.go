package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	cfgerrors "github.com/lefthookroll/webserv/internal/errors"
	"github.com/lefthookroll/webserv/pkg/config"
)

func checkCmd() *cobra.Command {
	var compact bool

	cmd := &cobra.Command{
		Use:   "check [config]",
		Short: "Validate a configuration file",
		Long: `Parse and validate a configuration file without serving.

Diagnostics point at the offending line and column.

Examples:
  webserv check
  webserv check /etc/webserv/site.conf`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				reportConfigError(cmd, err, compact)
				return errReported
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\033[32m✓\033[0m %s: %d servers\n", path, len(cfg.Servers))
			for _, addr := range cfg.Listeners() {
				for i, srv := range cfg.ServersFor(addr) {
					tag := ""
					if i == 0 {
						tag = " (default)"
					}
					fmt.Fprintf(out, "  %s %s%s, %d locations\n", addr, srv.String(), tag, len(srv.Locations))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&compact, "compact", false, "Print one-line diagnostics")

	return cmd
}

// reportConfigError prints a configuration diagnostic to stderr.
func reportConfigError(cmd *cobra.Command, err error, compact bool) {
	w := cmd.ErrOrStderr()
	if compact {
		var ce *cfgerrors.ConfigError
		if errors.As(err, &ce) {
			fmt.Fprintln(w, ce.FormatCompact())
			return
		}
	}
	cfgerrors.PrintError(w, err)
}

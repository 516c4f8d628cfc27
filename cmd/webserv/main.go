package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "webserv.conf"

// errReported is returned by commands that already printed a diagnostic.
var errReported = errors.New("reported")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logOpts logOptions

	rootCmd := &cobra.Command{
		Use:   "webserv",
		Short: "An event-driven HTTP/1.1 server with CGI support",
		Long: `webserv serves static files, directory listings, uploads and CGI
scripts from an nginx-style configuration file.

A single event loop multiplexes every client socket and CGI pipe:

  • Virtual servers selected by Host
  • Chunked request bodies, spilled to disk when large
  • CGI output re-framed as chunked responses
  • Uploads to disk or S3
  • Prometheus metrics and a live access log on the admin port`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&logOpts.level, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logOpts.format, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(
		serveCmd(&logOpts),
		checkCmd(),
		versionCmd(),
	)
	return rootCmd
}

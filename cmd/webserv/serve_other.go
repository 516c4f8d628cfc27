//go:build !linux

package main

import (
	"errors"
	"runtime"

	"github.com/spf13/cobra"
)

func serveCmd(logOpts *logOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config]",
		Short: "Start the server (Linux only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return errors.New("serve requires Linux (epoll); this build is " + runtime.GOOS)
		},
	}
}

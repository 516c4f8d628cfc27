//go:build linux

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/lefthookroll/webserv/pkg/admin"
	"github.com/lefthookroll/webserv/pkg/config"
	"github.com/lefthookroll/webserv/pkg/server"
	"github.com/lefthookroll/webserv/pkg/telemetry"
)

type serveFlags struct {
	admin         string
	idleTimeout   time.Duration
	cgiTimeout    time.Duration
	tempDir       string
	bodyThreshold int64
	traceQuery    bool
}

func serveCmd(logOpts *logOptions) *cobra.Command {
	defaults := server.DefaultOptions()
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Start the server",
		Long: `Load the configuration file and serve until interrupted.

SIGINT or SIGTERM stops the event loop: open connections are closed and
running CGI scripts are killed.

Examples:
  webserv serve
  webserv serve site.conf --admin=127.0.0.1:9090
  webserv serve site.conf --cgi-timeout=5s --log-format=json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return runServe(cmd, path, flags, *logOpts)
		},
	}

	cmd.Flags().StringVar(&flags.admin, "admin", "", "Admin listen address for metrics and debug endpoints (disabled if empty)")
	cmd.Flags().DurationVar(&flags.idleTimeout, "idle-timeout", defaults.IdleTimeout, "Inactivity limit while reading a request or writing a response")
	cmd.Flags().DurationVar(&flags.cgiTimeout, "cgi-timeout", defaults.CGITimeout, "Limit on the wait for CGI output")
	cmd.Flags().StringVar(&flags.tempDir, "temp-dir", "", "Directory for request bodies spilled to disk (default: system temp dir)")
	cmd.Flags().Int64Var(&flags.bodyThreshold, "body-threshold", defaults.BodyThreshold, "Bytes of a request body kept in memory before spilling")
	cmd.Flags().BoolVar(&flags.traceQuery, "trace-query", false, "Record query strings on trace spans")

	return cmd
}

func runServe(cmd *cobra.Command, path string, flags serveFlags, logOpts logOptions) error {
	logger, err := newLogger(logOpts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	log := logger.With("component", "main")

	cfg, err := config.Load(path)
	if err != nil {
		reportConfigError(cmd, err, false)
		return errReported
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := server.DefaultOptions().
		WithIdleTimeout(flags.idleTimeout).
		WithCGITimeout(flags.cgiTimeout).
		WithTempDir(flags.tempDir).
		WithBodyThreshold(flags.bodyThreshold).
		WithMetrics(telemetry.NewMetrics(telemetry.WithRegistry(reg))).
		WithTracer(telemetry.NewTracer(telemetry.WithIncludeQuery(flags.traceQuery))).
		WithLogger(logger)

	var adm *admin.Admin
	var srv *server.Server
	if flags.admin != "" {
		adm = admin.New(admin.Options{
			Gatherer: reg,
			Stats:    func() any { return srv.Stats() },
			Logger:   logger,
		})
		opts.WithOnExchange(adm.Record)
	}

	srv, err = server.New(cfg, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adminErr := make(chan error, 1)
	if adm != nil {
		go func() {
			err := adm.Serve(ctx, flags.admin)
			if err != nil {
				log.Error("admin server failed", "addr", flags.admin, "error", err)
			}
			adminErr <- err
		}()
	} else {
		close(adminErr)
	}

	log.Info("starting", "config", path, "servers", len(cfg.Servers), "version", version)
	serveErr := srv.Serve(ctx)
	stop()

	<-adminErr
	var fatal *server.FatalError
	if errors.As(serveErr, &fatal) {
		log.Error("server failed", "op", fatal.Op, "addr", fatal.Addr, "error", fatal.Err)
	}
	return serveErr
}

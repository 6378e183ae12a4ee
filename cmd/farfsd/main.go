// Command farfsd serves a directory to farfs clients over UDP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rfratto/farfs/internal/cmdutil"
	"github.com/rfratto/farfs/internal/config"
	"github.com/rfratto/farfs/internal/metrics"
	"github.com/rfratto/farfs/internal/server"
	"github.com/rfratto/farfs/internal/transport"
	"golang.org/x/time/rate"
)

// exitUsage is the exit code for invalid arguments.
const exitUsage = 127

func main() {
	cfg, err := parseFlags(os.Args[0], os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(exitUsage)
	}

	var (
		ll cmdutil.LogLevel
		lf cmdutil.LogFormat
	)
	if err := ll.Set(cfg.Log.Level); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	if err := lf.Set(cfg.Log.Format); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	// The client relays stdout of a bootstrapped server into its own logs.
	l := cmdutil.NewLogger(os.Stdout, ll, lf)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewServer(reg)

	var group run.Group

	// Metrics server worker
	if cfg.MetricsAddr != "" {
		if _, err := cmdutil.AddHTTPServer(&group, l, cfg.MetricsAddr, metrics.Handler(reg)); err != nil {
			level.Error(l).Log("msg", "failed to start metrics server", "err", err)
			os.Exit(1)
		}
	}

	// farfsd worker
	{
		srv, err := newServer(l, cfg, m)
		if err != nil {
			level.Error(l).Log("msg", "failed to create server", "err", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		group.Add(func() error {
			level.Info(l).Log("msg", "serving directory", "target", cfg.Target, "port", cfg.Port)
			return srv.Serve(ctx)
		}, func(_ error) {
			cancel()
		})
	}

	cmdutil.AddSignalHandler(&group, l)

	if err := group.Run(); err != nil {
		level.Error(l).Log("msg", "error running farfsd", "err", err)
		os.Exit(1)
	}
}

// parseFlags builds the server config. Flags are parsed twice: once to find
// the config file, and again over the loaded config so that explicitly set
// flags take precedence.
func parseFlags(name string, args []string) (config.Server, error) {
	var (
		scratch    = config.DefaultServer
		configFile string
	)
	pre := newFlagSet(name, &scratch, &configFile)
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	if err := pre.Parse(args); err != nil && !errors.Is(err, flag.ErrHelp) {
		return scratch, err
	}

	cfg, err := config.LoadServer(configFile)
	if err != nil {
		return cfg, err
	}

	fs := newFlagSet(name, &cfg, &configFile)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %q", fs.Args())
	}
	return cfg, config.Validate(cfg)
}

func newFlagSet(name string, cfg *config.Server, configFile *string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(configFile, "config.file", "", "Optional YAML file to load settings from")

	fs.IntVar(&cfg.Port, "p", cfg.Port, "UDP port to listen on (shorthand)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "UDP port to listen on")
	fs.StringVar(&cfg.Target, "t", cfg.Target, "Directory to serve (shorthand)")
	fs.StringVar(&cfg.Target, "target", cfg.Target, "Directory to serve")
	fs.StringVar(&cfg.ExitToken, "exit-token", cfg.ExitToken, "Token authorizing remote exit requests")

	fs.StringVar(&cfg.Log.Level, "log.level", cfg.Log.Level, "Level to display logs at")
	fs.StringVar(&cfg.Log.Format, "log.format", cfg.Log.Format, "Log format: logfmt or json")
	fs.StringVar(&cfg.MetricsAddr, "metrics.addr", cfg.MetricsAddr, "TCP address to serve metrics on; empty disables")

	fs.Float64Var(&cfg.RateLimit, "rate.limit", cfg.RateLimit, "Datagrams accepted per second; 0 disables rate limiting")
	fs.IntVar(&cfg.RateBurst, "rate.burst", cfg.RateBurst, "Datagrams accepted in a burst above rate.limit")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close files unused for this long")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of request workers")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Abort requests running longer than this; 0 disables")
	return fs
}

func newServer(l log.Logger, cfg config.Server, m *metrics.Server) (*server.Server, error) {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	t, err := transport.Listen(l, net.JoinHostPort("", strconv.Itoa(cfg.Port)), transport.PacketOptions{
		Limiter: limiter,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	h, err := server.NewPassthrough(l, cfg.Target, server.PassthroughOptions{
		IdleTimeout: cfg.IdleTimeout,
		Metrics:     m,
	})
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	srv, err := server.New(l, server.Options{
		ConcurrencyLimit: cfg.Workers,
		RequestTimeout:   cfg.RequestTimeout,
		Transport:        t,
		Handler:          h,
		Middleware: []server.Middleware{
			server.NewLoggingMiddleware(l),
			server.NewMetricsMiddleware(m),
		},
		ExitToken:      cfg.ExitToken,
		ReplyCacheSize: cfg.ReplyCacheSize,
		ReplyCacheTTL:  cfg.ReplyCacheTTL,
		Metrics:        m,
	})
	if err != nil {
		_ = t.Close()
		_ = h.Close()
		return nil, err
	}
	return srv, nil
}

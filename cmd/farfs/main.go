// Command farfs mounts a directory from a remote host. Unless told
// otherwise, it starts farfsd on the remote host over ssh first.
//
//	farfs host:remote-dir mountpoint [-p=<ssh-port>] [mount args...]
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
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rfratto/farfs/internal/bootstrap"
	"github.com/rfratto/farfs/internal/client"
	"github.com/rfratto/farfs/internal/cmdutil"
	"github.com/rfratto/farfs/internal/config"
	"github.com/rfratto/farfs/internal/metrics"
	"github.com/rfratto/farfs/internal/mount"
	"github.com/rfratto/farfs/internal/transport"
	"github.com/rfratto/farfs/internal/wire"
)

// initAttempts is how many times the remote root is probed before giving up
// on a server which is still starting.
const initAttempts = 5

var errServerExited = errors.New("remote server exited")

func main() {
	cfg, err := parseArgs(os.Args[0], os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}

	var (
		ll cmdutil.LogLevel
		lf cmdutil.LogFormat
	)
	if err := ll.Set(cfg.Log.Level); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := lf.Set(cfg.Log.Format); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	l := cmdutil.NewLogger(os.Stderr, ll, lf)

	if err := mountAndServe(l, cfg); err != nil {
		level.Error(l).Log("msg", "error running farfs", "err", err)
		os.Exit(1)
	}
}

func mountAndServe(l log.Logger, cfg config.Client) error {
	host, dir, err := config.SplitRemote(cfg.Remote)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		proc  *bootstrap.Process
		token string
	)
	if !cfg.NoBootstrap {
		token = bootstrap.NewToken()
		proc, err = bootstrap.Spawn(context.Background(), l, bootstrap.Options{
			Host:         host,
			SSHPort:      cfg.SSHPort,
			Identity:     cfg.Identity,
			ServerBinary: cfg.ServerBinary,
			DataPort:     cfg.DataPort,
			Target:       dir,
			ExitToken:    token,
		})
		if err != nil {
			return fmt.Errorf("starting remote server: %w", err)
		}
		defer func() {
			if err := proc.Stop(); err != nil {
				level.Warn(l).Log("msg", "remote session ended with error", "err", err)
			}
		}()
	}

	c, err := transport.Dial(l, serverAddr(cfg, host), transport.ClientOptions{
		Timeout:  cfg.Timeout,
		Attempts: cfg.Attempts,
		Metrics:  metrics.NewClient(reg),
	})
	if err != nil {
		return err
	}
	defer func() {
		if token != "" {
			stopServer(l, c, token, cfg.Timeout*time.Duration(cfg.Attempts))
		}
		_ = c.Close()
	}()

	tr := client.New(l, c)
	if err := initTranslator(context.Background(), l, tr, proc, cfg.StartupDelay); err != nil {
		return err
	}

	fs, err := mount.Mount(l, cfg.Mountpoint, tr, mount.Options{
		AttrValid:    cfg.AttrValid,
		EntryValid:   cfg.AttrValid,
		MountOptions: mount.MountOptions(l, cfg.MountArgs),
	})
	if err != nil {
		_ = tr.Shutdown(context.Background())
		return err
	}

	var group run.Group

	// Metrics server worker
	if cfg.MetricsAddr != "" {
		if _, err := cmdutil.AddHTTPServer(&group, l, cfg.MetricsAddr, metrics.Handler(reg)); err != nil {
			_ = fs.Unmount()
			return err
		}
	}

	// Filesystem worker
	{
		ctx, cancel := context.WithCancel(context.Background())
		group.Add(func() error {
			return fs.Serve(ctx)
		}, func(_ error) {
			cancel()
		})
	}

	// Remote session worker
	if proc != nil {
		stop := make(chan struct{})
		group.Add(func() error {
			select {
			case <-proc.Exited():
				return errServerExited
			case <-stop:
				return nil
			}
		}, func(_ error) {
			close(stop)
		})
	}

	// Transport worker
	{
		stop := make(chan struct{})
		group.Add(func() error {
			select {
			case <-c.Failed():
				return c.Err()
			case <-stop:
				return nil
			}
		}, func(_ error) {
			close(stop)
		})
	}

	cmdutil.AddSignalHandler(&group, l)
	return group.Run()
}

// serverAddr returns the UDP address of the server.
func serverAddr(cfg config.Client, host string) string {
	if cfg.ServerAddr != "" {
		return cfg.ServerAddr
	}
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.DataPort))
}

// initTranslator initializes tr, retrying while a bootstrapped server may
// still be starting.
func initTranslator(ctx context.Context, l log.Logger, tr *client.Translator, proc *bootstrap.Process, delay time.Duration) error {
	var exited <-chan struct{}
	if proc != nil {
		exited = proc.Exited()
	}

	var err error
	for attempt := 1; attempt <= initAttempts; attempt++ {
		if err = tr.Init(ctx); err == nil {
			return nil
		} else if !errors.Is(err, transport.ErrTimeout) {
			return err
		}
		level.Debug(l).Log("msg", "remote server not reachable yet", "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return errServerExited
		case <-time.After(delay):
		}
	}
	return err
}

// stopServer asks a bootstrapped server to exit.
func stopServer(l log.Logger, c *transport.Client, token string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := c.Do(ctx, &wire.ExitRequest{Token: token}); err != nil {
		level.Warn(l).Log("msg", "failed to stop remote server", "err", err)
	}
}

// parseArgs builds the client config. The first two positional arguments are
// the remote and the mount point; flags which aren't farfs flags are kept as
// mount arguments.
func parseArgs(name string, args []string) (config.Client, error) {
	var (
		scratch    = config.DefaultClient
		configFile string
	)
	pre := newFlagSet(name, &scratch, &configFile)
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}

	flags, positional, mountArgs := splitArgs(pre, args)
	if err := pre.Parse(flags); err != nil && !errors.Is(err, flag.ErrHelp) {
		return scratch, err
	}

	cfg, err := config.LoadClient(configFile)
	if err != nil {
		return cfg, err
	}

	fs := newFlagSet(name, &cfg, &configFile)
	if err := fs.Parse(flags); err != nil {
		return cfg, err
	}
	if len(positional) != 2 {
		fs.Usage()
		return cfg, errors.New("expected a host:directory and a mount point")
	}
	cfg.Remote, cfg.Mountpoint = positional[0], positional[1]
	cfg.MountArgs = append(cfg.MountArgs, mountArgs...)
	return cfg, config.Validate(cfg)
}

func newFlagSet(name string, cfg *config.Client, configFile *string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s host:remote-dir mountpoint [-p=<ssh-port>] [mount args...]\n", name)
		fs.PrintDefaults()
	}

	fs.StringVar(configFile, "config.file", "", "Optional YAML file to load settings from")

	fs.IntVar(&cfg.SSHPort, "p", cfg.SSHPort, "ssh port of the remote host")
	fs.StringVar(&cfg.Identity, "i", cfg.Identity, "ssh identity file")
	fs.StringVar(&cfg.ServerBinary, "server.binary", cfg.ServerBinary, "farfsd executable on the remote host")
	fs.IntVar(&cfg.DataPort, "data.port", cfg.DataPort, "UDP port farfsd listens on")
	fs.BoolVar(&cfg.NoBootstrap, "no-bootstrap", cfg.NoBootstrap, "Connect to an already running farfsd instead of starting one over ssh")
	fs.StringVar(&cfg.ServerAddr, "server.addr", cfg.ServerAddr, "UDP address of farfsd; defaults to the remote host and data.port")

	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Time to wait for a response before retransmitting")
	fs.IntVar(&cfg.Attempts, "attempts", cfg.Attempts, "Transmissions of a request before giving up")
	fs.DurationVar(&cfg.AttrValid, "attr-valid", cfg.AttrValid, "How long the kernel may cache attributes")
	fs.DurationVar(&cfg.StartupDelay, "startup-delay", cfg.StartupDelay, "Time between attempts to reach a starting server")

	fs.StringVar(&cfg.Log.Level, "log.level", cfg.Log.Level, "Level to display logs at")
	fs.StringVar(&cfg.Log.Format, "log.format", cfg.Log.Format, "Log format: logfmt or json")
	fs.StringVar(&cfg.MetricsAddr, "metrics.addr", cfg.MetricsAddr, "TCP address to serve metrics on; empty disables")
	return fs
}

// splitArgs separates args known to fs from positional and mount arguments.
func splitArgs(fs *flag.FlagSet, args []string) (flags, positional, mountArgs []string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) < 2 || arg[0] != '-' {
			if len(positional) < 2 {
				positional = append(positional, arg)
			} else {
				mountArgs = append(mountArgs, arg)
			}
			continue
		}

		name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "h" || name == "help" {
			flags = append(flags, arg)
			continue
		}

		f := fs.Lookup(name)
		if f == nil {
			mountArgs = append(mountArgs, arg)
			if arg == "-o" && i+1 < len(args) {
				i++
				mountArgs = append(mountArgs, args[i])
			}
			continue
		}

		flags = append(flags, arg)
		if !hasValue && !cmdutil.IsBoolFlag(f) && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return flags, positional, mountArgs
}

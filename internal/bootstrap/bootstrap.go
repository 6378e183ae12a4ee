// Package bootstrap starts farfsd on a remote host over ssh.
package bootstrap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mitchellh/go-homedir"
	uuid "github.com/satori/go.uuid"
)

// Options configures the remote server.
type Options struct {
	// Host to connect to, optionally as user@host.
	Host string
	// SSHPort is the port of the ssh daemon on Host.
	SSHPort int
	// Identity is an optional private key file. A leading ~ is expanded.
	Identity string

	// ServerBinary is the farfsd executable on the remote host.
	ServerBinary string
	// DataPort is the UDP port the remote server listens on.
	DataPort int
	// Target is the remote directory to serve.
	Target string
	// ExitToken authorizes stopping the remote server.
	ExitToken string
}

// DefaultOptions holds defaults for Options.
var DefaultOptions = Options{
	SSHPort:      22,
	ServerBinary: "farfsd",
	DataPort:     6000,
}

// NewToken returns a random exit token.
func NewToken() string { return uuid.NewV4().String() }

// Command returns the ssh command line which starts the server described by
// o.
func Command(o Options) ([]string, error) {
	if o.Host == "" {
		return nil, errors.New("host must be set")
	}
	if o.Target == "" {
		return nil, errors.New("target directory must be set")
	}
	if o.SSHPort == 0 {
		o.SSHPort = DefaultOptions.SSHPort
	}
	if o.ServerBinary == "" {
		o.ServerBinary = DefaultOptions.ServerBinary
	}
	if o.DataPort == 0 {
		o.DataPort = DefaultOptions.DataPort
	}

	args := []string{"ssh", "-p", strconv.Itoa(o.SSHPort)}
	if o.Identity != "" {
		identity, err := homedir.Expand(o.Identity)
		if err != nil {
			return nil, fmt.Errorf("expanding identity path: %w", err)
		}
		args = append(args, "-i", identity)
	}

	remote := []string{
		shellQuote(o.ServerBinary),
		"-p", strconv.Itoa(o.DataPort),
		"-t", shellQuote(o.Target),
	}
	if o.ExitToken != "" {
		remote = append(remote, "--exit-token", shellQuote(o.ExitToken))
	}
	return append(args, o.Host, strings.Join(remote, " ")), nil
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Process is a running ssh session hosting the remote server.
type Process struct {
	log    log.Logger
	cmd    *exec.Cmd
	cancel context.CancelFunc

	exited chan struct{}
	err    error
}

// Spawn starts the remote server in the background. Output of the session
// is written to l. The session ends when ctx is canceled or Stop is called.
func Spawn(ctx context.Context, l log.Logger, o Options) (*Process, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	args, err := Command(o)
	if err != nil {
		return nil, err
	}
	level.Debug(l).Log("msg", "starting remote server", "cmd", strings.Join(redact(args, o.ExitToken), " "))
	return start(ctx, l, args)
}

// start runs args in the background, streaming its output to l.
func start(ctx context.Context, l log.Logger, args []string) (*Process, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ssh stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ssh stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting ssh: %w", err)
	}

	p := &Process{
		log:    l,
		cmd:    cmd,
		cancel: cancel,
		exited: make(chan struct{}),
	}

	// The pipes must be fully read before calling cmd.Wait.
	var pipeWait sync.WaitGroup
	pipeWait.Add(2)
	go readLogs(&pipeWait, stdout, l, level.InfoValue())
	go readLogs(&pipeWait, stderr, l, level.WarnValue())

	go func() {
		defer close(p.exited)
		pipeWait.Wait()
		p.err = cmd.Wait()
		level.Debug(l).Log("msg", "remote session exited", "err", p.err)
	}()
	return p, nil
}

func readLogs(wg *sync.WaitGroup, r io.Reader, l log.Logger, lvl level.Value) {
	defer wg.Done()

	leveled := log.WithPrefix(l, level.Key(), lvl)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		leveled.Log("msg", scanner.Text(), "source", "remote")
	}
	if err := scanner.Err(); err != nil {
		level.Error(l).Log("msg", "failed to read remote output", "err", err)
	}
}

// redact hides token in args.
func redact(args []string, token string) []string {
	if token == "" {
		return args
	}
	res := make([]string, len(args))
	for i, arg := range args {
		res[i] = strings.ReplaceAll(arg, token, "<redacted>")
	}
	return res
}

// Exited is closed once the ssh session ends.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Wait waits for the session to end and returns its exit error.
func (p *Process) Wait() error {
	<-p.exited
	return p.err
}

// Stop ends the session and waits for it to exit. A session which already
// ended on its own reports its exit error.
func (p *Process) Stop() error {
	select {
	case <-p.exited:
		p.cancel()
		return p.err
	default:
	}

	p.cancel()
	err := p.Wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
		// Killed by the cancel above.
		return nil
	}
	return err
}

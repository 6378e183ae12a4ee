package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
)

// AddHTTPServer adds an actor to g which serves h on addr.
func AddHTTPServer(g *run.Group, l log.Logger, addr string, h http.Handler) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener for HTTP server: %w", err)
	}
	level.Info(l).Log("msg", "serving metrics", "addr", lis.Addr())

	srv := http.Server{Handler: h}
	g.Add(func() error {
		err := srv.Serve(lis)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}, func(_ error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
	})
	return lis.Addr(), nil
}

// AddSignalHandler adds an actor to g which returns on SIGINT or SIGTERM.
func AddSignalHandler(g *run.Group, l log.Logger) {
	ctx, cancel := context.WithCancel(context.Background())

	g.Add(func() error {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)

		select {
		case sig := <-ch:
			level.Info(l).Log("msg", "received shutdown signal", "signal", sig)
		case <-ctx.Done():
		}
		return nil
	}, func(_ error) {
		cancel()
	})
}

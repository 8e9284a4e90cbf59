// ABOUTME: Minimal fake Helix gateway for E2E testing: accepts WebSocket clients, echoes chat with markdown.
// ABOUTME: Usage: fake-gateway [-addr 127.0.0.1:18789] [-token secret] [-codec json] [-tick 5s]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/helix-gateway/internal/protocol"
	"github.com/2389/helix-gateway/internal/session"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:18789", "listen address")
	token := flag.String("token", "", "required bearer token (empty accepts anyone)")
	codec := flag.String("codec", "json", "wire codec: json or msgpack")
	tick := flag.Duration("tick", 5*time.Second, "interval between tick events (0 disables)")
	proto := flag.Int("protocol", session.MaxProtocol, "protocol version to negotiate")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	gw := newFakeGateway(fakeOptions{
		Codec:    protocol.CodecFor(*codec),
		Token:    *token,
		Protocol: *proto,
		Tick:     *tick,
		Logger:   logger,
	})

	if err := run(*addr, gw, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(addr string, gw http.Handler, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &http.Server{Addr: addr, Handler: gw, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("fake gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

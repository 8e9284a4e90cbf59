// ABOUTME: Entry point for the helix-gateway CLI
// ABOUTME: Connects to a Helix gateway, issues requests and manages the offline queue

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/helix-gateway/internal/app"
	"github.com/2389/helix-gateway/internal/config"
)

const banner = `
 _          _ _
| |__   ___| (_)_  __
| '_ \ / _ \ | \ \/ /
| | | |  __/ | |>  <
|_| |_|\___|_|_/_/\_\
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	// Setup graceful shutdown context first - all operations should respect it
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "connect":
		err = cmdConnect(ctx)
	case "watch":
		err = cmdWatch(ctx, args)
	case "call":
		err = cmdCall(ctx, args)
	case "status":
		err = cmdStatus(ctx)
	case "enqueue":
		err = cmdEnqueue(ctx, args)
	case "queue":
		err = cmdQueue(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: helix-gateway <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  connect                     Connect, stream events and replay the offline queue")
	fmt.Println("  watch [event...]            Connect and print the named events (all if none)")
	fmt.Println("  call <method> [json]        Send one request and print the response payload")
	fmt.Println("  status                      Connect and show session and queue status")
	fmt.Println("  enqueue <type> [json]       Queue an operation for delivery on next sync")
	fmt.Println("  queue                       Show offline queue status")
	fmt.Println("  queue list                  List queued operations")
	fmt.Println("  queue flush                 Connect and replay the queue once")
	fmt.Println("  queue remove <id>           Drop one queued operation")
	fmt.Println("  queue clear                 Drop every queued operation")
	fmt.Println("  queue dead [clear]          List or clear dead-lettered operations")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  HELIX_CONFIG                Config file (default: ~/.config/helix/gateway.yaml)")
	fmt.Println("  HELIX_GATEWAY_TOKEN         Referenced from config as ${HELIX_GATEWAY_TOKEN}")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  helix-gateway connect")
	fmt.Println("  helix-gateway watch exec.approval.requested")
	fmt.Println("  helix-gateway call health")
	fmt.Println("  helix-gateway enqueue chat.send '{\"text\":\"hello\"}'")
	fmt.Println()
}

// loadApp reads the config file and builds an App. Nothing is connected yet.
func loadApp(ctx context.Context) (*app.App, *config.Config, error) {
	configPath := config.DefaultPath()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	logger := setupLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	a, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

func setupLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

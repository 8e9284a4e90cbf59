// ABOUTME: Subcommand implementations for the helix-gateway CLI
// ABOUTME: Each command builds an App from config and closes it before returning

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/helix-gateway/internal/app"
	"github.com/2389/helix-gateway/internal/events"
	"github.com/2389/helix-gateway/internal/gateway"
	"github.com/2389/helix-gateway/internal/offline"
)

func cmdConnect(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	cyan.Print(banner)

	a, cfg, err := loadApp(ctx)
	if err != nil {
		return err
	}

	green.Print("    ▶ ")
	fmt.Printf("Gateway:  %s\n", cfg.Gateway.URL)
	green.Print("    ▶ ")
	fmt.Printf("Client:   %s (%s)\n", cfg.Client.ID, cfg.Gateway.Role)
	green.Print("    ▶ ")
	fmt.Printf("Codec:    %s\n", cfg.Gateway.Codec)
	if cfg.Offline.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Offline:  %s %s\n", cfg.Offline.Store, cfg.Offline.Path)
	}
	fmt.Println()

	client := a.Client()
	client.OnStateChange(func(from, to gateway.State) {
		stateColor(to).Printf("    ● %s\n", to)
	})
	client.Events().OnAny(printEvent)

	return a.Run(ctx)
}

// cmdWatch connects and prints only the named events, or every event when
// none are given. Unlike connect it prints nothing else.
func cmdWatch(ctx context.Context, names []string) error {
	a, _, err := loadApp(ctx)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		names = []string{""}
	}
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, name := range names {
		go printEvents(a.Client().Events().Subscribe(watchCtx, name))
	}
	return a.Run(ctx)
}

func printEvents(feed <-chan events.Event) {
	for ev := range feed {
		printEvent(ev.Name, ev.Payload)
	}
}

func printEvent(name string, payload json.RawMessage) {
	fmt.Printf("    %s %s %s\n", time.Now().Format("15:04:05"), color.YellowString(name), string(payload))
}

func cmdCall(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: helix-gateway call <method> [json]")
	}
	params, err := parseParams(args[1:])
	if err != nil {
		return err
	}

	a, _, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Client().Start(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	payload, err := a.Request(ctx, args[0], params)
	if err != nil {
		return err
	}
	return printJSON(payload)
}

func cmdStatus(ctx context.Context) error {
	a, cfg, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	startErr := a.Client().Start(ctx)
	st := a.Status()

	yellow := color.New(color.FgYellow)
	yellow.Println("Connection:")
	fmt.Printf("  Gateway:  %s\n", cfg.Gateway.URL)
	fmt.Printf("  State:    %s\n", stateColor(st.State).Sprint(st.State))
	if startErr != nil {
		fmt.Printf("  Error:    %v\n", startErr)
	}
	if s := st.Session; s != nil {
		fmt.Printf("  Session:  %s\n", s.ID)
		fmt.Printf("  Protocol: %d\n", s.Protocol)
		fmt.Printf("  Role:     %s\n", s.Role)
		fmt.Printf("  Scopes:   %v\n", s.Scopes)
	}
	fmt.Println()
	if st.Queue != nil {
		printQueueStatus(*st.Queue)
	}
	return nil
}

func cmdEnqueue(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: helix-gateway enqueue <type> [json]")
	}
	params, err := parseParams(args[1:])
	if err != nil {
		return err
	}

	a, _, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	op, err := a.Submit(ctx, args[0], params, 0)
	if err != nil {
		return err
	}
	color.Green("✓ Queued %s (%s)\n", op.ID, op.Type)
	return nil
}

func cmdQueue(ctx context.Context, args []string) error {
	a, _, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	q := a.Queue()
	if q == nil {
		return app.ErrOfflineDisabled
	}

	sub := "status"
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "status":
		printQueueStatus(q.Status())
	case "list":
		printOperations(q.Operations())
	case "flush":
		if err := a.Client().Start(ctx); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		res, err := a.SyncNow(ctx)
		if err != nil {
			return err
		}
		color.Green("✓ Synced %d, dead-lettered %d, %d remaining\n", res.Synced, res.Failed, q.Len())
	case "remove":
		if len(args) < 2 {
			return errors.New("usage: helix-gateway queue remove <id>")
		}
		removed, err := q.RemoveOperation(ctx, args[1])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("no queued operation with id %s", args[1])
		}
		color.Green("✓ Removed %s\n", args[1])
	case "clear":
		n := q.Len()
		if err := q.Clear(ctx); err != nil {
			return err
		}
		color.Green("✓ Cleared %d operations\n", n)
	case "dead":
		if len(args) > 1 && args[1] == "clear" {
			if err := a.ClearDeadLetters(ctx); err != nil {
				return err
			}
			color.Green("✓ Dead letters cleared\n")
			return nil
		}
		dead, err := a.DeadLetters(ctx)
		if err != nil {
			return err
		}
		printOperations(dead)
	default:
		return fmt.Errorf("unknown queue command: %s", sub)
	}
	return nil
}

// parseParams turns the optional JSON argument into request params. No
// argument yields a nil interface so params are omitted on the wire.
func parseParams(args []string) (any, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	raw := json.RawMessage(args[0])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params are not valid JSON: %s", args[0])
	}
	return raw, nil
}

func printJSON(payload json.RawMessage) error {
	if len(payload) == 0 {
		fmt.Println("null")
		return nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printQueueStatus(s offline.SyncStatus) {
	yellow := color.New(color.FgYellow)
	yellow.Println("Offline queue:")
	fmt.Printf("  Online:   %v\n", s.IsOnline)
	fmt.Printf("  Queued:   %d\n", s.QueueLength)
	fmt.Printf("  Failed:   %d\n", s.FailedCount)
	if s.LastSyncTime != nil {
		fmt.Printf("  Synced:   %s\n", s.LastSyncTime.Format(time.RFC3339))
	} else {
		fmt.Println("  Synced:   never")
	}
}

func printOperations(ops []offline.Operation) {
	if len(ops) == 0 {
		fmt.Println("  (none)")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tTYPE\tRETRIES\tENQUEUED")
	fmt.Fprintln(w, "  --\t----\t-------\t--------")
	for _, op := range ops {
		fmt.Fprintf(w, "  %s\t%s\t%d/%d\t%s\n",
			truncate(op.ID, 36), op.Type, op.Retries, op.MaxRetries, op.EnqueuedAt.Format("Jan 02 15:04"))
	}
	w.Flush()
}

func stateColor(s gateway.State) *color.Color {
	switch s {
	case gateway.StateConnected:
		return color.New(color.FgGreen)
	case gateway.StateConnecting:
		return color.New(color.FgYellow)
	case gateway.StateError:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgHiBlack)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

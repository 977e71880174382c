package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/turnstile/internal/queue"
	"github.com/user/turnstile/internal/store"
	"github.com/user/turnstile/internal/types"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd, queueReapCmd, queuePurgeCmd, queueShowCmd, queueCancelCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the shared turn queue",
}

// withApp opens the configured store for a one-off command.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func printStats(st store.Stats, ceiling int) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	cyan.Println("Queue")
	row := func(c *color.Color, label string, n int) {
		c.Print("  ▶ ")
		fmt.Printf("%-10s %d\n", label, n)
	}
	row(yellow, "queued", st.Queued)
	row(green, "running", st.Running)
	row(green, "streaming", st.Streaming)
	row(green, "complete", st.Complete)
	row(red, "failed", st.Failed)
	row(yellow, "cancelled", st.Cancelled)

	inflight := green
	if ceiling > 0 && st.Inflight >= ceiling {
		inflight = red
	}
	inflight.Print("  ▶ ")
	fmt.Printf("%-10s %d/%d\n", "inflight", st.Inflight, ceiling)
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show turn counts by status and the global in-flight counter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			st, err := a.queue.Stats(ctx)
			if err != nil {
				return fmt.Errorf("queue stats: %w", err)
			}
			printStats(st, a.cfg.Worker.GlobalConcurrency)
			return nil
		})
	},
}

var queueReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Reclaim expired leases now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			n, err := queue.NewReaper(a.queue, a.broker, a.logger).ReapOnce(ctx)
			if err != nil {
				return fmt.Errorf("reap: %w", err)
			}
			color.New(color.FgGreen).Print("▶ ")
			fmt.Fprintf(os.Stdout, "Reclaimed %d expired lease(s).\n", n)
			return nil
		})
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete terminal turns older than queue.result_retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			n, err := a.queue.Purge(ctx)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			color.New(color.FgGreen).Print("▶ ")
			fmt.Fprintf(os.Stdout, "Purged %d turn(s).\n", n)
			return nil
		})
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <turn-id>",
	Short: "Show one turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			t, err := a.queue.Get(ctx, types.TurnID(args[0]))
			if err != nil {
				return err
			}
			status := color.New(color.FgYellow)
			switch t.Status {
			case types.TurnComplete:
				status = color.New(color.FgGreen)
			case types.TurnFailed:
				status = color.New(color.FgRed)
			}
			fmt.Printf("%s  ", t.ID)
			status.Println(t.Status)
			fmt.Printf("  session:   %s\n", t.SessionID)
			fmt.Printf("  user:      %s\n", t.UserID)
			fmt.Printf("  attempts:  %d\n", t.Attempts)
			fmt.Printf("  enqueued:  %s\n", t.EnqueuedAt.Format("2006-01-02T15:04:05Z07:00"))
			if t.LastErrorKind != "" {
				color.Red("  error:     %s: %s", t.LastErrorKind, t.LastError)
			}
			if t.Result != "" {
				fmt.Printf("  result:    %q\n", t.Result)
			}
			return nil
		})
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <turn-id>",
	Short: "Cancel a queued turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.queue.Cancel(ctx, types.TurnID(args[0]), a.broker); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Turn %s cancelled.\n", args[0])
			return nil
		})
	},
}

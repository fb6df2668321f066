package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/oriys/chronicle/internal/store"
	"github.com/spf13/cobra"
)

func toolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Diagnostic utilities",
	}
	cmd.AddCommand(toolsReplayCmd())
	return cmd
}

// toolsReplayCmd lists records the startup recovery pass would pick up,
// without actually processing them — useful for inspecting what a
// deployment missed during downtime before letting the daemon touch it.
func toolsReplayCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "List pending/retry records without delivering them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := context.Background()
			pg, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer pg.Close()
			st := store.NewStore(pg)

			missed, err := st.ListMissed(ctx, time.Now(), limit)
			if err != nil {
				return err
			}

			if len(missed) == 0 {
				fmt.Println("no missed records")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER_ID\tMESSAGE_TYPE\tSTATUS\tRETRY_COUNT\tSCHEDULED_AT")
			for _, r := range missed {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.UserID, r.MessageType, r.Status, r.RetryCount, r.ScheduledAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum records to list")
	return cmd
}

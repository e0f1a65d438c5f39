package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/backfill"
	"github.com/dgnsrekt/chatsync/internal/client"
)

func historyCmd() *cobra.Command {
	var (
		workers  int
		pageSize int
		maxPages int
	)

	cmd := &cobra.Command{
		Use:   "history CHANNEL_ID...",
		Short: "Backfill channel history into the local store",
		Long: `Page the history of each channel backwards into the local store. A
channel that already has stored messages continues below the oldest one.

Examples:
  # Backfill one channel completely
  chatsync history messaging:general

  # Fetch at most 5 pages of 50 for two channels
  chatsync history --page-size 50 --max-pages 5 messaging:general messaging:random`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := client.New(cfg, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			tasks := make([]backfill.Task, 0, len(args))
			for _, cid := range args {
				tasks = append(tasks, backfill.Task{ChannelID: cid, PageSize: pageSize, MaxPages: maxPages})
			}

			mgr := backfill.NewManager(c.API(), c.Store(), workers, logger.Named("backfill"))
			result, err := mgr.Execute(ctx, tasks)
			if err != nil {
				return err
			}

			logger.Info("backfill complete",
				zap.Int("total", result.Total),
				zap.Int("success", result.Success),
				zap.Int("notFound", result.NotFound),
				zap.Int("failed", result.Failed),
				zap.Int("messages", result.Messages),
			)
			for _, e := range result.Errors {
				fmt.Printf("failed: %s\n", e)
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d channels failed", result.Failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "channels fetched concurrently")
	cmd.Flags().IntVar(&pageSize, "page-size", 100, "messages per page")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "pages per channel (0 = until the start of history)")

	return cmd
}

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/messaging"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/queue"
)

func newStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show message and queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			msgStats, err := messaging.GetStats(gormDB)
			if err != nil {
				return err
			}
			qStats, err := queue.GetStats(gormDB, time.Now())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Messages: %d total\n", msgStats.Total)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tCOUNT")
			for _, s := range []string{
				models.StatusPending, models.StatusQueued, models.StatusDelivering,
				models.StatusDelivered, models.StatusRead, models.StatusFailed,
				models.StatusDeadLetter, models.StatusExpired,
			} {
				if n := msgStats.ByStatus[s]; n > 0 {
					fmt.Fprintf(w, "%s\t%d\n", s, n)
				}
			}
			w.Flush()

			fmt.Fprintf(out, "\nQueue: %d pending, %d delivering, %d dead-lettered\n",
				queue.Total(qStats.Pending), queue.Total(qStats.Delivering), queue.Total(qStats.DeadLetter))

			w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tPENDING\tDELIVERING\tDEAD")
			for _, p := range []string{
				models.PriorityUrgent, models.PriorityHigh, models.PriorityNormal, models.PriorityLow,
			} {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n",
					p, qStats.Pending[p], qStats.Delivering[p], qStats.DeadLetter[p])
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/notify"
)

func newInboxCmd() *cobra.Command {
	var (
		configPath string
		agent      string
		max        int
	)

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Poll an agent's outstanding notifications",
		Long:  "Lists undelivered messages for an agent in delivery order. Polling changes nothing; use ack to confirm receipt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			items, err := notify.Poll(gormDB, agent, max, time.Now())
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No pending notifications for %s\n", agent)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFROM\tPRIORITY\tATTEMPTS\tAGE\tCONTENT")
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					it.MessageID, it.Sender, it.Priority, it.AttemptCount,
					formatAge(time.Since(it.CreatedAt)), truncate(it.Content, 48))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	cmd.Flags().StringVar(&agent, "agent", "", "agent ID to poll for (required)")
	cmd.Flags().IntVar(&max, "max", notify.DefaultPollLimit, "max notifications to return")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func newAckCmd() *cobra.Command {
	var (
		configPath string
		agent      string
	)

	cmd := &cobra.Command{
		Use:   "ack <message-id>...",
		Short: "Acknowledge polled messages as delivered",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			acked, err := notify.Ack(gormDB, agent, args, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Acked %d of %d messages for %s\n", acked, len(args), agent)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	cmd.Flags().StringVar(&agent, "agent", "", "agent ID acking (required)")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func newWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Webhook endpoint management",
	}

	cmd.AddCommand(newWebhookSetCmd())
	cmd.AddCommand(newWebhookShowCmd())
	return cmd
}

func newWebhookSetCmd() *cobra.Command {
	var (
		configPath string
		agent      string
		url        string
		secret     string
		disabled   bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Register or update an agent's webhook endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := notify.SetWebhookConfig(gormDB, agent, url, secret, !disabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Webhook for %s updated\n", agent)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	cmd.Flags().StringVar(&agent, "agent", "", "agent ID (required)")
	cmd.Flags().StringVar(&url, "url", "", "endpoint URL")
	cmd.Flags().StringVar(&secret, "secret", "", "shared signing secret")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "disable push for this agent")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func newWebhookShowCmd() *cobra.Command {
	var (
		configPath string
		agent      string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an agent's webhook state",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			cfg, err := notify.GetWebhookConfig(gormDB, agent)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg == nil {
				fmt.Fprintf(out, "No webhook configured for %s\n", agent)
				return nil
			}

			fmt.Fprintf(out, "Agent:    %s\n", cfg.AgentID)
			fmt.Fprintf(out, "URL:      %s\n", cfg.URL)
			fmt.Fprintf(out, "Enabled:  %v\n", cfg.Enabled)
			fmt.Fprintf(out, "Failures: %d\n", cfg.FailureCount)
			if cfg.CircuitOpen(time.Now()) {
				fmt.Fprintf(out, "Circuit:  open until %s\n", cfg.CircuitOpenUntil.Format(time.RFC3339))
			} else {
				fmt.Fprintln(out, "Circuit:  closed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	cmd.Flags().StringVar(&agent, "agent", "", "agent ID (required)")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func newPrefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Notification preference management",
	}

	cmd.AddCommand(newPrefsSetCmd())
	cmd.AddCommand(newPrefsShowCmd())
	return cmd
}

func newPrefsSetCmd() *cobra.Command {
	var (
		configPath  string
		agent       string
		channel     string
		minPriority string
		quietStart  string
		quietEnd    string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set an agent's notification preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			err = notify.SetPreferences(gormDB, &models.NotificationPreferences{
				AgentID:           agent,
				ChannelPreference: channel,
				MinPriority:       minPriority,
				QuietHoursStart:   quietStart,
				QuietHoursEnd:     quietEnd,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Preferences for %s updated\n", agent)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	cmd.Flags().StringVar(&agent, "agent", "", "agent ID (required)")
	cmd.Flags().StringVar(&channel, "channel", "", "channel preference (webhook, poll)")
	cmd.Flags().StringVar(&minPriority, "min-priority", "", "suppress notifications below this priority")
	cmd.Flags().StringVar(&quietStart, "quiet-start", "", "quiet hours start (HH:MM)")
	cmd.Flags().StringVar(&quietEnd, "quiet-end", "", "quiet hours end (HH:MM)")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func newPrefsShowCmd() *cobra.Command {
	var (
		configPath string
		agent      string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an agent's notification preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			prefs, err := notify.GetPreferences(gormDB, agent)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if prefs == nil {
				fmt.Fprintf(out, "No preferences stored for %s (defaults: webhook, low)\n", agent)
				return nil
			}

			fmt.Fprintf(out, "Agent:        %s\n", prefs.AgentID)
			fmt.Fprintf(out, "Channel:      %s\n", prefs.ChannelPreference)
			fmt.Fprintf(out, "Min priority: %s\n", prefs.MinPriority)
			if prefs.QuietHoursStart != "" {
				fmt.Fprintf(out, "Quiet hours:  %s to %s\n", prefs.QuietHoursStart, prefs.QuietHoursEnd)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	cmd.Flags().StringVar(&agent, "agent", "", "agent ID (required)")
	cmd.MarkFlagRequired("agent")
	return cmd
}

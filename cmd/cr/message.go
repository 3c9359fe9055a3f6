package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/messaging"
)

func newSendCmd() *cobra.Command {
	var (
		configPath  string
		from        string
		to          []string
		msgType     string
		priority    string
		content     string
		attachments []string
		threadID    string
		ttl         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to one or more agents",
		Long:  "Sends a message and enqueues one delivery per recipient. Broadcasts resolve recipients from the configured agent list.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			msg, err := messaging.Create(gormDB, directoryFromConfig(cfg), messaging.CreateInput{
				Sender:      from,
				Recipients:  to,
				Type:        msgType,
				Priority:    priority,
				Content:     content,
				Attachments: attachments,
				ThreadID:    threadID,
				TTL:         ttl,
			}, messaging.Limits{
				MaxContentBytes: cfg.Queue.MaxContentBytes,
				MaxPending:      cfg.Queue.MaxPending,
			})
			if err != nil {
				return err
			}

			recipients, _ := messaging.Recipients(msg)
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s (%s) to %s\n",
				msg.ID, msg.Priority, strings.Join(recipients, ", "))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	cmd.Flags().StringVar(&from, "from", "", "sender agent ID (required)")
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient agent IDs (ignored for broadcast)")
	cmd.Flags().StringVar(&msgType, "type", "direct", "message type (direct, broadcast, system)")
	cmd.Flags().StringVar(&priority, "priority", "normal", "priority (urgent, high, normal, low)")
	cmd.Flags().StringVar(&content, "content", "", "message content (required)")
	cmd.Flags().StringSliceVar(&attachments, "attach", nil, "attachment references")
	cmd.Flags().StringVar(&threadID, "thread", "", "thread ID to reply in")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "time-to-live (e.g. 30m); 0 means no expiry")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("content")
	return cmd
}

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Message inspection commands",
	}

	cmd.AddCommand(newMessageShowCmd())
	cmd.AddCommand(newMessageListCmd())
	cmd.AddCommand(newMessageThreadCmd())
	cmd.AddCommand(newMessageReadCmd())
	cmd.AddCommand(newMessageRetractCmd())
	return cmd
}

func newMessageShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <message-id>",
		Short: "Show a message and its delivery receipts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			msg, err := messaging.Get(gormDB, args[0])
			if err != nil {
				return err
			}
			receipts, err := messaging.Receipts(gormDB, msg.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			recipients, _ := messaging.Recipients(msg)
			fmt.Fprintf(out, "Message:  %s\n", msg.ID)
			if msg.ThreadID != "" {
				fmt.Fprintf(out, "Thread:   %s\n", msg.ThreadID)
			}
			fmt.Fprintf(out, "From:     %s\n", msg.SenderID)
			fmt.Fprintf(out, "To:       %s\n", strings.Join(recipients, ", "))
			fmt.Fprintf(out, "Type:     %s  Priority: %s  Status: %s\n", msg.Type, msg.Priority, msg.Status)
			fmt.Fprintf(out, "Created:  %s\n", msg.CreatedAt.Format(time.RFC3339))
			if msg.ExpiresAt != nil {
				fmt.Fprintf(out, "Expires:  %s\n", msg.ExpiresAt.Format(time.RFC3339))
			}
			if msg.RetractedAt != nil {
				fmt.Fprintf(out, "Retracted: %s\n", msg.RetractedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "\n%s\n", msg.Content)

			if len(receipts) > 0 {
				fmt.Fprintln(out)
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RECIPIENT\tATTEMPTS\tDELIVERED\tCHANNEL\tDEAD\tLAST ERROR")
				for _, r := range receipts {
					delivered := "-"
					if r.DeliveredAt != nil {
						delivered = r.DeliveredAt.Format("15:04:05")
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%v\t%s\n",
						r.RecipientID, r.AttemptCount, delivered, r.Channel, r.DeadLettered, r.LastError)
				}
				w.Flush()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}

func newMessageListCmd() *cobra.Command {
	var (
		configPath string
		sender     string
		recipient  string
		status     string
		priority   string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			msgs, err := messaging.List(gormDB, messaging.Filter{
				Sender:    sender,
				Recipient: recipient,
				Status:    status,
				Priority:  priority,
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFROM\tPRIORITY\tSTATUS\tAGE\tCONTENT")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					m.ID, m.SenderID, m.Priority, m.Status,
					formatAge(time.Since(m.CreatedAt)), truncate(m.Content, 48))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	cmd.Flags().StringVar(&sender, "from", "", "filter by sender")
	cmd.Flags().StringVar(&recipient, "to", "", "filter by recipient")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	cmd.Flags().IntVar(&limit, "limit", 50, "max messages to list")
	return cmd
}

func newMessageThreadCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "thread <thread-id>",
		Short: "Show a conversation thread, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			msgs, err := messaging.Thread(gormDB, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s (%s, %s):\n  %s\n",
					m.CreatedAt.Format("15:04:05"), m.SenderID, m.Priority, m.Status, m.Content)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}

func newMessageReadCmd() *cobra.Command {
	var (
		configPath string
		agent      string
	)

	cmd := &cobra.Command{
		Use:   "read <message-id>",
		Short: "Mark a delivered message as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := messaging.MarkRead(gormDB, args[0], agent, time.Now()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %s read for %s\n", args[0], agent)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	cmd.Flags().StringVar(&agent, "agent", "", "recipient agent ID (required)")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func newMessageRetractCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "retract <message-id>",
		Short: "Retract an undelivered message",
		Long:  "Cancels pending deliveries of a message. Already-delivered recipients are unaffected.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := messaging.Retract(gormDB, args[0], time.Now()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retracted %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}

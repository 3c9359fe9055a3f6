package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/alerting"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/processor"
)

func newWorkerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the delivery worker pool",
		Long:  "Runs delivery workers that push queued messages to agent webhooks, plus the maintenance sweep and the dead-letter digest when alerting is configured.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			log := newLogger()

			hooks := notify.NewWebhookManager(notify.WebhookOpts{
				RequestTimeout:   cfg.Webhook.RequestTimeout.Std(),
				CircuitThreshold: cfg.Webhook.CircuitThreshold,
				CircuitCooldown:  cfg.Webhook.CircuitCooldown.Std(),
				PreviewBytes:     cfg.Webhook.PreviewBytes,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if alerter := buildAlerter(cfg, log); alerter != nil {
				digester, err := alerting.NewDigester(gormDB, alerter, cfg.Alerting.DigestSchedule, log)
				if err != nil {
					return err
				}
				go digester.Run(ctx)
				log.Info().Str("schedule", cfg.Alerting.DigestSchedule).Msg("dead-letter digest enabled")
			}

			proc := processor.New(gormDB, cfg, hooks, log)
			proc.Run(ctx)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// buildAlerter wires the configured alert destinations, or nil when none are
// configured.
func buildAlerter(cfg *config.Config, log zerolog.Logger) alerting.Alerter {
	var out alerting.Fanout

	if cfg.Alerting.Slack.BotToken != "" {
		slack, err := alerting.NewSlack(alerting.SlackOpts{
			BotToken:  cfg.Alerting.Slack.BotToken,
			ChannelID: cfg.Alerting.Slack.ChannelID,
		})
		if err != nil {
			log.Warn().Err(err).Msg("slack alerting disabled")
		} else {
			out = append(out, slack)
		}
	}

	if cfg.Alerting.Discord.BotToken != "" {
		discord, err := alerting.NewDiscord(alerting.DiscordOpts{
			BotToken:  cfg.Alerting.Discord.BotToken,
			ChannelID: cfg.Alerting.Discord.ChannelID,
		})
		if err != nil {
			log.Warn().Err(err).Msg("discord alerting disabled")
		} else {
			out = append(out, discord)
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

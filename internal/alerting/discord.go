package alerting

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordAlerter posts alerts to a Discord channel via the REST API.
type DiscordAlerter struct {
	sess      discordSession
	channelID string
}

// DiscordOpts holds parameters for creating a DiscordAlerter.
type DiscordOpts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session discordSession
}

// NewDiscord creates a DiscordAlerter. Sending embeds needs no Gateway
// connection, so the session is used REST-only.
func NewDiscord(opts DiscordOpts) (*DiscordAlerter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("alerting: discord bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("alerting: discord channel ID is required")
	}

	a := &DiscordAlerter{channelID: opts.ChannelID}
	if opts.Session != nil {
		a.sess = opts.Session
	} else {
		sess, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("alerting: create discord session: %w", err)
		}
		a.sess = sess
	}
	return a, nil
}

// Send posts the alert as an embed.
func (a *DiscordAlerter) Send(ctx context.Context, alert Alert) error {
	embed := &discordgo.MessageEmbed{
		Title:       alert.Title,
		Description: alert.Body,
	}
	if alert.Color != "" {
		embed.Color = parseHexColor(alert.Color)
	}
	for _, f := range alert.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}

	data := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}
	_, err := a.sess.ChannelMessageSendComplex(a.channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("alerting: discord send: %w", err)
	}
	return nil
}

// parseHexColor converts a hex color string (e.g. "#e01e5a") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

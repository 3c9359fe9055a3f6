package alerting

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackAlerter posts alerts to a Slack channel via the Web API.
type SlackAlerter struct {
	client    slackClient
	channelID string
}

// SlackOpts holds parameters for creating a SlackAlerter.
type SlackOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // channel to post alerts to
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlack creates a SlackAlerter.
func NewSlack(opts SlackOpts) (*SlackAlerter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("alerting: slack bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("alerting: slack channel ID is required")
	}

	a := &SlackAlerter{channelID: opts.ChannelID}
	if opts.Client != nil {
		a.client = opts.Client
	} else {
		a.client = slackapi.New(opts.BotToken)
	}
	return a, nil
}

// Send posts the alert as a Block Kit attachment.
func (a *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	att := slackapi.Attachment{
		Title:    alert.Title,
		Text:     alert.Body,
		Color:    alert.Color,
		Fallback: alert.Title,
	}
	for _, f := range alert.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}

	_, _, err := a.client.PostMessageContext(ctx, a.channelID,
		slackapi.MsgOptionText(alert.Title, false),
		slackapi.MsgOptionAttachments(att),
	)
	if err != nil {
		return fmt.Errorf("alerting: slack post: %w", err)
	}
	return nil
}

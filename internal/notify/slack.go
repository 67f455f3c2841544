package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackSink posts notifications to one Slack channel.
type SlackSink struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackSink creates a Slack sink and verifies the token.
func NewSlackSink(botToken, channel string, logger *zap.Logger) (*SlackSink, error) {
	client := slack.New(botToken)
	if _, err := client.AuthTest(); err != nil {
		return nil, fmt.Errorf("slack auth: %w", err)
	}
	logger.Info("Slack sink connected", zap.String("channel", channel))
	return &SlackSink{client: client, channel: channel, logger: logger}, nil
}

func (s *SlackSink) Name() string { return "slack" }

// Post sends one message to the configured channel.
func (s *SlackSink) Post(ctx context.Context, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

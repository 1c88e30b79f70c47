package clients

import (
	"context"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"
)

// SlackClient posts pipeline notifications to chat and resolves user ids to
// display names.
type SlackClient struct {
	api        *slack.Client
	webhookURL string
	channel    string // default channel for notifications without an intake thread
}

// SlackOption configures the client.
type SlackOption func(*SlackClient)

// WithSlackAPI substitutes the underlying API client.
func WithSlackAPI(api *slack.Client) SlackOption {
	return func(c *SlackClient) {
		c.api = api
	}
}

// NewSlackClient creates a chat client. webhookURL may be empty, in which
// case Send falls back to the API and the default channel.
func NewSlackClient(botToken, webhookURL, channel string, opts ...SlackOption) *SlackClient {
	c := &SlackClient{
		api:        slack.New(botToken),
		webhookURL: webhookURL,
		channel:    channel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts a notification through the incoming webhook, threading it under
// threadTS when given.
func (c *SlackClient) Send(ctx context.Context, text, threadTS string) error {
	if c.webhookURL == "" {
		_, err := c.PostMessage(ctx, c.channel, text, threadTS)
		return err
	}
	msg := &slack.WebhookMessage{Text: text, ThreadTimestamp: threadTS}
	if err := slack.PostWebhookContext(ctx, c.webhookURL, msg); err != nil {
		return errors.Wrap(err, "post webhook message")
	}
	return nil
}

// PostMessage posts to a channel through the API and returns the message
// timestamp, which doubles as the thread id for replies.
func (c *SlackClient) PostMessage(ctx context.Context, channel, text, threadTS string) (string, error) {
	if channel == "" {
		channel = c.channel
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", errors.Wrapf(err, "post message to %s", channel)
	}
	return ts, nil
}

// UserName resolves a user id to the best available human name: profile
// display name, then profile real name, then the top-level real name, then
// the account name, and finally the raw id when the lookup fails entirely.
func (c *SlackClient) UserName(ctx context.Context, userID string) string {
	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil || user == nil {
		return userID
	}
	for _, name := range []string{user.Profile.DisplayName, user.Profile.RealName, user.RealName, user.Name} {
		if name != "" {
			return name
		}
	}
	return userID
}

// Package slack delivers notifier messages to Slack, either through an
// incoming webhook or through chat.postMessage with a bot token.
package slack

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"

	"timepie/internal/notifier"
)

type Config struct {
	WebhookURL string
	BotToken   string
	Channel    string
	Username   string
	Timeout    time.Duration
}

// Poster is the slice of *slackapi.Client used by the sink.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Sink implements notifier.Sink.
type Sink struct {
	cfg    Config
	http   *http.Client
	poster Poster
}

var _ notifier.Sink = (*Sink)(nil)

// New picks the bot-token path when BotToken and Channel are set, else the webhook.
func New(cfg Config) (*Sink, error) {
	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)
	cfg.BotToken = strings.TrimSpace(cfg.BotToken)
	cfg.Channel = strings.TrimSpace(cfg.Channel)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	s := &Sink{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
	switch {
	case cfg.BotToken != "" && cfg.Channel != "":
		s.poster = slackapi.New(cfg.BotToken, slackapi.OptionHTTPClient(s.http))
	case cfg.WebhookURL != "":
	default:
		return nil, errors.New("slack: webhook_url or bot_token+channel is required")
	}
	return s, nil
}

// WithPoster swaps the API client. Used by tests.
func (s *Sink) WithPoster(p Poster) *Sink {
	s.poster = p
	return s
}

func (s *Sink) Name() string { return "slack" }

func (s *Sink) Send(ctx context.Context, m notifier.Message) error {
	if s.poster != nil {
		_, _, err := s.poster.PostMessageContext(ctx, s.cfg.Channel,
			slackapi.MsgOptionText(m.Text, false),
			slackapi.MsgOptionUsername(s.cfg.Username),
		)
		return err
	}
	return slackapi.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.http, &slackapi.WebhookMessage{
		Username: s.cfg.Username,
		Channel:  s.cfg.Channel,
		Text:     m.Text,
	})
}

// SendLog implements logx.RemoteSink.
func (s *Sink) SendLog(ctx context.Context, text string) error {
	return s.Send(ctx, notifier.Message{Level: notifier.LevelWarn, Text: text})
}

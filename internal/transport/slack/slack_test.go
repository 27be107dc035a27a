package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	slackapi "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timepie/internal/notifier"
)

type fakePoster struct {
	channel string
	calls   int
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, _ ...slackapi.MsgOption) (string, string, error) {
	f.channel = channelID
	f.calls++
	return channelID, "1", nil
}

func TestSink_Webhook(t *testing.T) {
	t.Parallel()
	var got slackapi.WebhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := New(Config{WebhookURL: srv.URL, Username: "timepie"})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), notifier.Message{Text: "hello"}))
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "timepie", got.Username)
	assert.Equal(t, "slack", s.Name())
}

func TestSink_WebhookErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := New(Config{WebhookURL: srv.URL})
	require.NoError(t, err)
	assert.Error(t, s.SendLog(context.Background(), "boom"))
}

func TestSink_BotToken(t *testing.T) {
	t.Parallel()
	s, err := New(Config{BotToken: "xoxb-test", Channel: "C123"})
	require.NoError(t, err)
	fp := &fakePoster{}
	s.WithPoster(fp)

	require.NoError(t, s.Send(context.Background(), notifier.Message{Text: "hi"}))
	assert.Equal(t, "C123", fp.channel)
	assert.Equal(t, 1, fp.calls)
}

func TestNew_RequiresTarget(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{BotToken: "xoxb"})
	assert.Error(t, err, "token without channel")
}

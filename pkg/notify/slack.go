// Package notify provides optional kreactor.OutcomeSink implementations
// that surface permanent handler failures beyond the operator's own logs.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/jordigilh/kreactor/pkg/kreactor"
)

// SlackSink posts a message to a Slack channel whenever a handler's
// outcome is a permanent failure or a timeout. It is never consulted for
// ordinary retries or for silent resource-watching handlers — the
// reactor only calls Notify from its own permanent-failure bookkeeping.
type SlackSink struct {
	client  *slack.Client
	channel string
}

// NewSlackSink constructs a SlackSink posting to channel using token (a
// bot token with chat:write scope).
func NewSlackSink(token, channel string) *SlackSink {
	return &SlackSink{client: slack.New(token), channel: channel}
}

// Notify implements kreactor.OutcomeSink.
func (s *SlackSink) Notify(ctx context.Context, resource kreactor.Resource, body kreactor.Body, handlerID string, cause error) error {
	text := fmt.Sprintf(":rotating_light: handler `%s` failed permanently on %s `%s/%s`: %s",
		handlerID, resource.String(), body.Namespace(), body.Name(), cause.Error())

	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting slack outcome notification: %w", err)
	}
	return nil
}

var _ kreactor.OutcomeSink = (*SlackSink)(nil)

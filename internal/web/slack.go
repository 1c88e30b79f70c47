package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/madhatter5501/conductor"
)

// slackWebhook verifies and parses Slack Events API deliveries.
type slackWebhook struct {
	secret string
	seen   *expirable.LRU[string, struct{}]
}

func newSlackWebhook(secret string) *slackWebhook {
	return &slackWebhook{
		secret: secret,
		seen:   expirable.NewLRU[string, struct{}](dedupSize, nil, dedupTTL),
	}
}

// Verify checks the v0 request signature, HMAC-SHA256 over
// "v0:{timestamp}:{raw-body}". Requests whose timestamp is more than five
// minutes off the clock are rejected to blunt replays.
func (s *slackWebhook) Verify(r *http.Request, body []byte) error {
	if s.secret == "" {
		return errors.New("slack signing secret not configured")
	}
	sv, err := slack.NewSecretsVerifier(r.Header, s.secret)
	if err != nil {
		return errors.Wrap(err, "slack signature headers")
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

// Parse maps an Events API envelope to events. url_verification envelopes
// return the challenge to echo back; everything the pipeline does not drive
// on produces no events and no error.
func (s *slackWebhook) Parse(body []byte) ([]conductor.Event, string, error) {
	api, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, "", fmt.Errorf("parse slack envelope: %w", err)
	}

	switch api.Type {
	case slackevents.URLVerification:
		var ch slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &ch); err != nil {
			return nil, "", fmt.Errorf("parse url_verification: %w", err)
		}
		return nil, ch.Challenge, nil

	case slackevents.CallbackEvent:
		if cb, ok := api.Data.(*slackevents.EventsAPICallbackEvent); ok && cb.EventID != "" {
			if s.seen.Contains(cb.EventID) {
				return nil, "", nil
			}
			s.seen.Add(cb.EventID, struct{}{})
		}
		msg, ok := api.InnerEvent.Data.(*slackevents.MessageEvent)
		if !ok {
			return nil, "", nil
		}
		return parseMessage(msg, body), "", nil
	}
	return nil, "", nil
}

func parseMessage(msg *slackevents.MessageEvent, raw []byte) []conductor.Event {
	// Bot messages and subtypes (edits, joins, our own ack replies) are not
	// intake; treating them as requests would loop the pipeline on its own
	// output.
	if msg.BotID != "" || msg.SubType != "" {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	threadTS := msg.ThreadTimeStamp
	if threadTS == "" {
		threadTS = msg.TimeStamp
	}
	return []conductor.Event{&conductor.TaskRequested{
		Meta:     newMeta("slack", raw),
		Message:  text,
		SenderID: msg.User,
		Channel:  msg.Channel,
		ThreadTS: threadTS,
	}}
}

package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"oprlmbatch/pkg/cloudevent"
	"time"

	"github.com/nats-io/nats.go"
)

// WebhookSink posts signed CloudEvents to a callback URL.
type WebhookSink struct {
	url        string
	signingKey string
	sender     *cloudevent.Sender
}

// NewWebhookSink creates a sink for rawURL. An empty signingKey disables signing.
func NewWebhookSink(rawURL, signingKey string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		url:        rawURL,
		signingKey: signingKey,
		sender:     cloudevent.NewSender(timeout),
	}
}

// Name returns the callback host.
func (s *WebhookSink) Name() string { return "webhook:" + extractHost(s.url) }

// Deliver implements Sink.
func (s *WebhookSink) Deliver(ctx context.Context, event *cloudevent.CloudEvent) error {
	return s.sender.Send(ctx, s.url, event, s.signingKey)
}

// Close implements Sink.
func (s *WebhookSink) Close() error { return nil }

// NATSSink publishes CloudEvents as JSON on subject.<event type>.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink connects to the NATS server at natsURL.
func NewNATSSink(natsURL, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("oprlm-batch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", natsURL, err)
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

// Name returns the subject prefix.
func (s *NATSSink) Name() string { return "nats:" + s.subject }

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(event *cloudevent.CloudEvent) string {
	return s.subject + "." + event.Type
}

// Deliver implements Sink. Publish only buffers, so the flush is what
// confirms the server received the message.
func (s *NATSSink) Deliver(ctx context.Context, event *cloudevent.CloudEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := nats.NewMsg(s.Subject(event))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/cloudevents+json")
	msg.Header.Set("Ce-Id", event.ID)
	msg.Header.Set("Ce-Type", event.Type)
	if err := s.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return s.nc.FlushWithContext(ctx)
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

// extractHost extracts the host from a URL for sink naming.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

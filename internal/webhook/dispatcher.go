// internal/webhook/dispatcher.go
// Package webhook posts inbound messages to an agent's configured URL with
// bounded retry.  Dispatch is fire-and-forget from the router's point of
// view: network work runs in its own goroutine and reports only into
// metrics.
//
// Retry policy: 10 s per attempt, 2xx succeeds, 4xx is terminal, 5xx and
// network errors retry after 1 s, 2 s, 4 s.  Four attempts total; exhaustion
// records one message-lost increment.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/logging"
	"github.com/triologue/agentgate/internal/metrics"
	"github.com/triologue/agentgate/internal/registry"
	"github.com/triologue/agentgate/pkg/chat"
)

const (
	attemptTimeout = 10 * time.Second
	maxRetries     = 3 // total attempts = maxRetries + 1
)

// Payload is the webhook body.
type Payload struct {
	MessageID  string              `json:"messageId"`
	Sender     string              `json:"sender"`
	SenderType chat.SenderKind     `json:"senderType"`
	Content    string              `json:"content"`
	Room       string              `json:"room"`
	Timestamp  time.Time           `json:"timestamp"`
	Context    []chat.ContextEntry `json:"context"`
}

// Dispatcher posts to agent webhooks.
type Dispatcher struct {
	client *http.Client
	met    *metrics.Set
	tracer trace.Tracer

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

func NewDispatcher(met *metrics.Set) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: attemptTimeout},
		met:    met,
		tracer: otel.Tracer("agentgate/webhook"),
		sleep:  time.Sleep,
	}
}

// Dispatch delivers msg (plus materialized context) to the agent's webhook.
// Returns immediately; the POST and its retries run in a goroutine.
func (d *Dispatcher) Dispatch(agent *registry.Agent, msg chat.Message, ctxEntries []chat.ContextEntry) {
	if agent.WebhookURL == "" {
		return
	}
	go d.deliver(agent, msg, ctxEntries)
}

func (d *Dispatcher) deliver(agent *registry.Agent, msg chat.Message, ctxEntries []chat.ContextEntry) {
	ctx, span := d.tracer.Start(context.Background(), "webhook.deliver",
		trace.WithAttributes(
			attribute.String("agent", agent.Username),
			attribute.String("room", msg.RoomID),
			attribute.String("message_id", msg.ID),
		))
	defer span.End()

	if ctxEntries == nil {
		ctxEntries = []chat.ContextEntry{}
	}
	body, err := json.Marshal(Payload{
		MessageID:  msg.ID,
		Sender:     msg.Sender,
		SenderType: msg.SenderKind,
		Content:    msg.Content,
		Room:       msg.RoomID,
		Timestamp:  msg.Timestamp,
		Context:    ctxEntries,
	})
	if err != nil {
		return
	}

	// Fixed 1s/2s/4s schedule: exponential, jitter off.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 4 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset() // start from InitialInterval, not the constructor's default

	for attempt := 1; ; attempt++ {
		status, err := d.post(ctx, agent, body)
		switch {
		case err == nil && status >= 200 && status < 300:
			span.SetAttributes(attribute.Int("attempts", attempt))
			return
		case err == nil && status >= 400 && status < 500:
			// Terminal: the receiver rejected the payload.
			logging.Named("webhook").Warn("webhook rejected",
				zap.String("agent", agent.Username), zap.Int("status", status))
			d.met.MessageLost()
			return
		}

		if attempt > maxRetries {
			logging.Named("webhook").Warn("webhook exhausted",
				zap.String("agent", agent.Username), zap.String("room", msg.RoomID),
				zap.Int("attempts", attempt), zap.Error(err))
			d.met.MessageLost()
			return
		}
		d.met.MessageRetried()
		d.sleep(bo.NextBackOff())
	}
}

func (d *Dispatcher) post(ctx context.Context, agent *registry.Agent, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Secret", agent.WebhookSecret)
	req.Header.Set("X-Gateway-Agent", agent.MentionKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// internal/inject/sink.go
// Package inject is the fire-and-forget local delivery sink: messages for
// agents with delivery mode local-inject are posted to a co-located runtime
// endpoint.  The caller gets no acknowledgement; transient failures are
// retried a couple of times with jittered backoff inside the posting
// goroutine, then the message is logged and forgotten.
package inject

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/logging"
	"github.com/triologue/agentgate/internal/registry"
	"github.com/triologue/agentgate/internal/util"
	"github.com/triologue/agentgate/pkg/chat"
)

const (
	postTimeout = 5 * time.Second
	// maxAttempts bounds the transient-failure retries.  The runtime is on
	// the same host, so anything a quick retry cannot cure is not worth
	// queueing for.
	maxAttempts = 3
)

// Sink posts to the local runtime.  A zero URL disables it; deliveries are
// then dropped with a debug log.
type Sink struct {
	url    string
	client *http.Client
}

func New(url string) *Sink {
	return &Sink{url: url, client: &http.Client{Timeout: postTimeout}}
}

type payload struct {
	Agent     string              `json:"agent"`
	MessageID string              `json:"messageId"`
	Sender    string              `json:"sender"`
	Room      string              `json:"room"`
	Content   string              `json:"content"`
	Timestamp time.Time           `json:"timestamp"`
	Context   []chat.ContextEntry `json:"context,omitempty"`
}

// Deliver hands the message to the local runtime and returns immediately.
func (s *Sink) Deliver(agent *registry.Agent, msg chat.Message, ctxEntries []chat.ContextEntry) {
	if s.url == "" {
		logging.Named("inject").Debug("inject sink disabled, dropping",
			zap.String("agent", agent.Username), zap.String("message", msg.ID))
		return
	}
	go s.post(agent, msg, ctxEntries)
}

func (s *Sink) post(agent *registry.Agent, msg chat.Message, ctxEntries []chat.ContextEntry) {
	body, err := json.Marshal(payload{
		Agent:     agent.Username,
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Room:      msg.RoomID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Context:   ctxEntries,
	})
	if err != nil {
		return
	}

	bo := util.NewBackoff()
	bo.Base = 200 * time.Millisecond
	bo.Max = 2 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := s.postOnce(body)
		if err == nil && status < 500 {
			// Delivered, or rejected outright; either way the runtime has
			// spoken and there is nothing to retry.
			return
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("runtime returned %d", status)
		}
		if attempt < maxAttempts {
			time.Sleep(bo.Next())
		}
	}
	logging.Named("inject").Warn("inject post failed",
		zap.String("agent", agent.Username), zap.Error(lastErr))
}

func (s *Sink) postOnce(body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// internal/bridge/api.go
// REST half of the upstream protocol: agent-credentialed sends, room
// enumeration and unread-history fetches.  All calls are gated on a live
// session so that upstream-bound operations fail fast with ErrNotConnected
// while the reconnect loop converges.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/triologue/agentgate/pkg/chat"
)

// SendAsAgent implements Upstream.  The message is posted under the agent's
// credentials, not the gateway's.
func (b *Bridge) SendAsAgent(ctx context.Context, agentToken, roomID, content string) (string, error) {
	if !b.Connected() {
		return "", ErrNotConnected
	}
	var out struct {
		ID string `json:"id"`
	}
	u := b.cfg.BaseURL + "/api/v4/rooms/" + url.PathEscape(roomID) + "/messages"
	err := b.postJSON(ctx, u, agentToken, map[string]string{"content": content}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// RoomsFor implements Upstream.
func (b *Bridge) RoomsFor(ctx context.Context, agentToken, username string) ([]chat.Room, error) {
	if !b.Connected() {
		return nil, ErrNotConnected
	}
	var rooms []chat.Room
	u := b.cfg.BaseURL + "/api/v4/agents/" + url.PathEscape(username) + "/rooms"
	if err := b.getJSON(ctx, u, agentToken, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// FetchMessagesSince implements Upstream.  Results arrive ascending by id.
func (b *Bridge) FetchMessagesSince(ctx context.Context, agentToken, roomID, afterID string, limit int) ([]chat.Message, error) {
	if !b.Connected() {
		return nil, ErrNotConnected
	}
	q := url.Values{}
	if afterID != "" {
		q.Set("after", afterID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := b.cfg.BaseURL + "/api/v4/rooms/" + url.PathEscape(roomID) + "/messages?" + q.Encode()

	var wire []wireMessage
	if err := b.getJSON(ctx, u, agentToken, &wire); err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(wire))
	for _, wm := range wire {
		msgs = append(msgs, chat.Message{
			ID:         wm.ID,
			RoomID:     wm.RoomID,
			RoomName:   wm.RoomName,
			Sender:     wm.Sender,
			SenderID:   wm.SenderID,
			SenderKind: chat.SenderKind(wm.SenderKind),
			Content:    wm.Content,
			Timestamp:  time.UnixMilli(wm.Ts),
		})
	}
	return msgs, nil
}

// postJSON posts body and decodes a 2xx reply into out.  Non-2xx replies
// become *UpstreamError with a truncated body as detail.
func (b *Bridge) postJSON(ctx context.Context, u, bearer string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, bearer, out)
}

func (b *Bridge) getJSON(ctx context.Context, u, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return b.do(req, bearer, out)
}

func (b *Bridge) do(req *http.Request, bearer string, out any) error {
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &UpstreamError{Status: resp.StatusCode, Detail: string(detail)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bridge: decode reply: %w", err)
	}
	return nil
}

// internal/registry/agent.go
// Agent is the principal the gateway authenticates and routes for.  The
// authoritative record lives upstream; the registry holds a periodically
// refreshed snapshot.
package registry

import "strings"

// TrustLevel decides whether an agent may receive AI-authored traffic.
type TrustLevel string

const (
	TrustStandard TrustLevel = "standard"
	TrustElevated TrustLevel = "elevated"
)

// ReceiveMode filters which room messages an agent sees.
type ReceiveMode string

const (
	ReceiveMentions ReceiveMode = "mentions"
	ReceiveAll      ReceiveMode = "all"
)

// DeliveryMode selects the fallback transport when no live connection exists.
type DeliveryMode string

const (
	DeliverWebhook     DeliveryMode = "webhook"
	DeliverLocalInject DeliveryMode = "local-inject"
)

// Agent describes one registered principal.  Identity is ID; Token is a
// separate projection with exactly one current value per agent.
type Agent struct {
	ID             string       `json:"id"`
	Username       string       `json:"username"`
	DisplayName    string       `json:"displayName"`
	Emoji          string       `json:"emoji,omitempty"`
	MentionKey     string       `json:"mentionKey"`
	TrustLevel     TrustLevel   `json:"trustLevel"`
	ReceiveMode    ReceiveMode  `json:"receiveMode"`
	ConnectionType string       `json:"connectionType"` // socket | webhook | both
	DeliveryMode   DeliveryMode `json:"deliveryMode"`
	WebhookURL     string       `json:"webhookUrl,omitempty"`
	WebhookSecret  string       `json:"webhookSecret,omitempty"`
	Token          string       `json:"token"`
	Status         string       `json:"status"` // pending | active | disabled
}

// Active reports whether the agent may authenticate and receive traffic.
func (a *Agent) Active() bool { return a.Status == "active" }

// Elevated is shorthand for the trust check on AI-to-AI delivery.
func (a *Agent) Elevated() bool { return a.TrustLevel == TrustElevated }

// MentionedIn reports whether content contains "@"+mentionKey or
// "@"+username, case-insensitive.
func (a *Agent) MentionedIn(content string) bool {
	lc := strings.ToLower(content)
	if a.MentionKey != "" && strings.Contains(lc, "@"+strings.ToLower(a.MentionKey)) {
		return true
	}
	return a.Username != "" && strings.Contains(lc, "@"+strings.ToLower(a.Username))
}

// Public returns the projection of the agent safe to hand to its own
// connection (auth_ok frames, connected events, status responses).  The
// bearer token and webhook secret never leave the gateway.
func (a *Agent) Public() map[string]any {
	return map[string]any{
		"id":          a.ID,
		"username":    a.Username,
		"displayName": a.DisplayName,
		"emoji":       a.Emoji,
		"mentionKey":  a.MentionKey,
		"receiveMode": a.ReceiveMode,
	}
}

// Package bounce consumes delivery-failure notifications from the mail
// provider and removes the affected subscribers.
package bounce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"hn-digest/store"
)

// notification is the SES-style event shape posted by the mail provider.
type notification struct {
	EventType string `json:"eventType"`
	Bounce    *struct {
		BounceType        string      `json:"bounceType"`
		BouncedRecipients []recipient `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		ComplainedRecipients []recipient `json:"complainedRecipients"`
	} `json:"complaint"`
}

type recipient struct {
	EmailAddress string `json:"emailAddress"`
}

// Handler applies bounce and complaint notifications to the subscriber store.
type Handler struct {
	store  store.Store
	logger *slog.Logger
}

// NewHandler creates a bounce handler.
func NewHandler(st store.Store, logger *slog.Logger) *Handler {
	return &Handler{store: st, logger: logger}
}

// Handle processes one notification payload. Permanent bounces and complaints
// remove every affected subscriber; an already-absent subscriber is fine.
// Transient bounces and unknown event types are ignored. A malformed payload
// is logged and dropped without error, so the provider never retries it.
// Store failures are returned so the provider redelivers.
func (h *Handler) Handle(ctx context.Context, payload []byte) error {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		h.logger.Warn("Dropping malformed bounce notification", "error", err)
		return nil
	}

	switch strings.ToLower(n.EventType) {
	case "bounce":
		if n.Bounce == nil {
			h.logger.Warn("Dropping bounce notification without bounce body")
			return nil
		}
		if !strings.EqualFold(n.Bounce.BounceType, "Permanent") {
			h.logger.Info("Ignoring non-permanent bounce", "bounce_type", n.Bounce.BounceType)
			return nil
		}
		return h.remove(ctx, "bounce", n.Bounce.BouncedRecipients)
	case "complaint":
		if n.Complaint == nil {
			h.logger.Warn("Dropping complaint notification without complaint body")
			return nil
		}
		return h.remove(ctx, "complaint", n.Complaint.ComplainedRecipients)
	default:
		h.logger.Info("Ignoring notification", "event_type", n.EventType)
		return nil
	}
}

func (h *Handler) remove(ctx context.Context, reason string, recipients []recipient) error {
	for _, r := range recipients {
		addr := strings.TrimSpace(strings.ToLower(r.EmailAddress))
		if addr == "" {
			continue
		}
		if err := h.store.RemoveSubscriber(ctx, addr); err != nil {
			return fmt.Errorf("remove subscriber %s: %w", addr, err)
		}
		h.logger.Info("Subscriber removed after delivery failure", "email", addr, "reason", reason)
	}
	return nil
}

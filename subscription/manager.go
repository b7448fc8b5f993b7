// Package subscription implements the double-opt-in subscriber lifecycle:
// subscribe creates a pending record and mails a verification link, verify
// promotes it to a subscriber, unsubscribe removes by token.
package subscription

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"

	"hn-digest/email"
	"hn-digest/pkg/digest"
	"hn-digest/store"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

var (
	// ErrInvalidEmail indicates the submitted email fails syntax validation.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrUnknownStrategy indicates the strategy is not one of the configured set.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrVerificationFailed covers both an absent pending record and a token
	// mismatch, so responses don't reveal whether an email was ever submitted.
	ErrVerificationFailed = errors.New("verification failed")
)

// Manager drives the subscriber state machine over the store and mails the
// lifecycle emails.
type Manager struct {
	store      store.Store
	sender     *email.Sender
	logger     *slog.Logger
	strategies map[string]digest.Strategy
}

// NewManager creates a manager accepting only the configured strategies.
func NewManager(st store.Store, sender *email.Sender, strategies []digest.Strategy, logger *slog.Logger) *Manager {
	byType := make(map[string]digest.Strategy, len(strategies))
	for _, s := range strategies {
		byType[s.Type()] = s
	}
	return &Manager{
		store:      st,
		sender:     sender,
		logger:     logger,
		strategies: byType,
	}
}

// IsValidEmail reports whether an address passes both RFC 5322 parsing and a
// stricter shape check.
func IsValidEmail(addr string) bool {
	if len(addr) < 3 || len(addr) > 254 {
		return false
	}
	_, err := mail.ParseAddress(addr)
	return err == nil && emailRegex.MatchString(addr)
}

// Subscribe handles a subscribe request. A new email gets a pending
// subscription and a verification email. An already-verified email gets its
// strategy updated in place with a preference confirmation email; no new
// verification round-trip is needed. Repeat requests for a still-pending email
// reissue the token and strategy.
func (m *Manager) Subscribe(ctx context.Context, addr, strategyType string) error {
	addr = strings.TrimSpace(strings.ToLower(addr))
	if !IsValidEmail(addr) {
		return ErrInvalidEmail
	}

	strategy, ok := m.strategies[strategyType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, strategyType)
	}

	existing, err := m.store.Subscriber(ctx, addr)
	switch {
	case err == nil:
		existing.StrategyType = strategy.Type()
		if err := m.store.UpsertSubscriber(ctx, existing); err != nil {
			return fmt.Errorf("update subscriber: %w", err)
		}
		m.logger.Info("Subscriber strategy updated", "email", addr, "strategy", strategy.Type())
		if err := m.sender.SendPreferenceUpdate(ctx, existing, strategy.Description()); err != nil {
			return fmt.Errorf("send preference email: %w", err)
		}
		return nil
	case store.IsNotFound(err):
		// Fall through to the pending flow.
	default:
		return fmt.Errorf("look up subscriber: %w", err)
	}

	pending, err := digest.NewPendingSubscription(addr, strategy.Type())
	if err != nil {
		return fmt.Errorf("create pending subscription: %w", err)
	}
	if err := m.store.UpsertPendingSubscription(ctx, pending); err != nil {
		return fmt.Errorf("save pending subscription: %w", err)
	}

	m.logger.Info("Pending subscription created", "email", addr, "strategy", strategy.Type())
	if err := m.sender.SendVerification(ctx, pending, strategy.Description()); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}

// Verify consumes a pending subscription. The token is compared in constant
// time. On success the subscriber is created with a fresh unsubscribe token
// and the pending record is deleted. An absent or expired pending record and
// a wrong token both report ErrVerificationFailed; store failures are
// returned as-is so verification fails closed.
func (m *Manager) Verify(ctx context.Context, addr, token string) error {
	addr = strings.TrimSpace(strings.ToLower(addr))

	pending, err := m.store.PendingSubscription(ctx, addr)
	if err != nil {
		if store.IsNotFound(err) {
			return ErrVerificationFailed
		}
		return fmt.Errorf("look up pending subscription: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(pending.Token), []byte(token)) != 1 {
		m.logger.Warn("Verification token mismatch", "email", addr)
		return ErrVerificationFailed
	}

	sub, err := digest.NewSubscriber(addr, pending.StrategyType)
	if err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}
	if err := m.store.UpsertSubscriber(ctx, sub); err != nil {
		return fmt.Errorf("save subscriber: %w", err)
	}
	if err := m.store.DeletePendingSubscription(ctx, addr); err != nil {
		// The subscriber exists; the leftover pending record expires on its own.
		m.logger.Warn("Failed to delete pending subscription", "email", addr, "error", err)
	}

	m.logger.Info("Subscription verified", "email", addr, "strategy", sub.StrategyType)
	return nil
}

// Lookup resolves an unsubscribe token to the subscriber's email without
// mutating anything. Used to render the unsubscribe confirmation page. Store
// failures are reported as not-found so token checks fail closed.
func (m *Manager) Lookup(ctx context.Context, token string) (string, bool) {
	if token == "" {
		return "", false
	}
	sub, err := m.store.SubscriberByToken(ctx, token)
	if err != nil {
		if !store.IsNotFound(err) {
			m.logger.Warn("Token lookup failed", "error", err)
		}
		return "", false
	}
	return sub.Email, true
}

// Unsubscribe removes the subscriber holding the given token. It returns
// whether a subscriber was removed; an unknown token is not an error, so
// unsubscribe links can be retried safely. Store failures are returned so
// token checks fail closed.
func (m *Manager) Unsubscribe(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	sub, err := m.store.SubscriberByToken(ctx, token)
	if err != nil {
		if store.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("look up subscriber by token: %w", err)
	}

	if err := m.store.RemoveSubscriber(ctx, sub.Email); err != nil {
		return false, fmt.Errorf("remove subscriber: %w", err)
	}

	m.logger.Info("Subscriber unsubscribed", "email", sub.Email)
	return true, nil
}

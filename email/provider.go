// Package email composes and sends digest service emails via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"hn-digest/pkg/digest"
)

// Message is a single outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	// Headers carries extra headers such as List-Unsubscribe. Providers that
	// cannot set custom headers may ignore it.
	Headers map[string]string
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	Send(ctx context.Context, msg *Message) error
}

// Sender composes digest, verification, and preference emails using a
// pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// SendDigest sends the daily digest to one subscriber. The message carries
// RFC 8058 one-click unsubscribe headers so mail clients can surface an
// unsubscribe button.
func (s *Sender) SendDigest(ctx context.Context, sub *digest.Subscriber, date time.Time, posts []digest.Post) error {
	if len(posts) == 0 {
		return nil
	}

	subject := "Hacker News Digest for " + date.UTC().Format("Jan 2, 2006")
	unsubURL := s.unsubscribeURL(sub.UnsubscribeToken)
	body := s.formatDigestBody(posts, unsubURL)

	s.logger.Info("Sending digest email",
		"to", sub.Email,
		"subject", subject,
		"post_count", len(posts))

	return s.provider.Send(ctx, &Message{
		To:      sub.Email,
		Subject: subject,
		HTML:    body,
		Headers: map[string]string{
			"List-Unsubscribe":      "<" + unsubURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
	})
}

// SendVerification sends the double-opt-in confirmation email for a pending
// subscription.
func (s *Sender) SendVerification(ctx context.Context, pending *digest.PendingSubscription, strategyDescription string) error {
	verifyURL := fmt.Sprintf("%s/verify?email=%s&token=%s",
		s.baseURL, url.QueryEscape(pending.Email), url.QueryEscape(pending.Token))

	s.logger.Info("Sending verification email", "to", pending.Email)

	return s.provider.Send(ctx, &Message{
		To:      pending.Email,
		Subject: "Confirm your Hacker News Digest subscription",
		HTML:    s.formatVerificationBody(verifyURL, strategyDescription),
	})
}

// SendPreferenceUpdate confirms a strategy change for an existing subscriber.
func (s *Sender) SendPreferenceUpdate(ctx context.Context, sub *digest.Subscriber, strategyDescription string) error {
	s.logger.Info("Sending preference update email", "to", sub.Email, "strategy", sub.StrategyType)

	return s.provider.Send(ctx, &Message{
		To:      sub.Email,
		Subject: "Your Hacker News Digest preferences were updated",
		HTML:    s.formatPreferenceBody(strategyDescription, s.unsubscribeURL(sub.UnsubscribeToken)),
	})
}

func (s *Sender) unsubscribeURL(token string) string {
	return fmt.Sprintf("%s/unsubscribe?token=%s", s.baseURL, url.QueryEscape(token))
}

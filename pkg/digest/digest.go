// Package digest contains the core domain types for the Hacker News digest service.
package digest

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Post represents a single Hacker News story as returned by the Algolia API.
type Post struct {
	ID        string `json:"objectID"`
	Title     string `json:"title"`
	URL       string `json:"url,omitempty"`
	Points    int    `json:"points"`
	CreatedAt string `json:"created_at"`
}

// Subscriber is a verified subscriber receiving daily digests.
type Subscriber struct {
	Email            string    `json:"email"`
	StrategyType     string    `json:"strategy"`
	SubscribedAt     time.Time `json:"subscribed_at"`
	UnsubscribeToken string    `json:"unsubscribe_token"`
}

// PendingSubscription is an unverified subscribe request awaiting token
// confirmation. It expires 24 hours after creation.
type PendingSubscription struct {
	Email        string    `json:"email"`
	StrategyType string    `json:"strategy"`
	Token        string    `json:"token"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// PendingTTL is how long a pending subscription stays verifiable.
const PendingTTL = 24 * time.Hour

// NewPendingSubscription creates a pending subscription with a fresh token and
// a 24-hour expiry.
func NewPendingSubscription(email, strategyType string) (*PendingSubscription, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &PendingSubscription{
		Email:        email,
		StrategyType: strategyType,
		Token:        token,
		CreatedAt:    now,
		ExpiresAt:    now.Add(PendingTTL),
	}, nil
}

// NewSubscriber creates a verified subscriber with a fresh unsubscribe token.
func NewSubscriber(email, strategyType string) (*Subscriber, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		Email:            email,
		StrategyType:     strategyType,
		SubscribedAt:     time.Now().UTC(),
		UnsubscribeToken: token,
	}, nil
}

// GenerateToken creates a secure random token for verification and
// unsubscribe links. 32 bytes of entropy, hex-encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

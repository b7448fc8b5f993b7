// Package store handles persistence of snapshots, digests, and subscribers.
//
// Everything lives in one logical table keyed by (partition key, sort key).
// Blob backends fold both into a single record key, "PK/SK". Expiry is a
// per-record attribute: reads treat expired records as absent, and physical
// cleanup is the backend's job (a bucket lifecycle rule on GCS, lazy deletes
// in bbolt).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"hn-digest/pkg/digest"
)

// ErrNotFound indicates the requested record does not exist or has expired.
var ErrNotFound = errors.New("store: record not found")

const (
	snapshotPartition   = "POSTS_SNAPSHOT"
	digestPartition     = "DIGEST#"
	subscriberPartition = "SUBSCRIBER#"
	pendingPartition    = "PENDING#"

	// Fixed sort key for single-record-per-email partitions.
	fixedSortKey = "record"

	// Snapshots and digests are only read back for one day of dedup; 30 days
	// leaves room for inspection.
	modelTTL = 30 * 24 * time.Hour
)

// Store is the persistence surface the rest of the service depends on.
// Writes are idempotent by natural key: overwriting is safe and commutative
// with retries.
type Store interface {
	SaveSnapshot(ctx context.Context, date time.Time, posts map[string]digest.Post) error

	SaveDigest(ctx context.Context, strategyType string, date time.Time, posts []digest.Post) error
	// Digest returns ErrNotFound when no digest exists for the key.
	Digest(ctx context.Context, strategyType string, date time.Time) ([]digest.Post, error)

	Subscriber(ctx context.Context, email string) (*digest.Subscriber, error)
	SubscriberByToken(ctx context.Context, token string) (*digest.Subscriber, error)
	Subscribers(ctx context.Context) ([]*digest.Subscriber, error)
	UpsertSubscriber(ctx context.Context, sub *digest.Subscriber) error
	// RemoveSubscriber is idempotent: removing an absent subscriber is not an error.
	RemoveSubscriber(ctx context.Context, email string) error

	PendingSubscription(ctx context.Context, email string) (*digest.PendingSubscription, error)
	UpsertPendingSubscription(ctx context.Context, pending *digest.PendingSubscription) error
	DeletePendingSubscription(ctx context.Context, email string) error
}

// backend is the minimal blob interface each storage implementation provides.
type backend interface {
	put(ctx context.Context, key string, data []byte) error
	// get returns ErrNotFound for absent keys.
	get(ctx context.Context, key string) ([]byte, error)
	// del is idempotent.
	del(ctx context.Context, key string) error
	// list returns the values of every record whose key starts with prefix.
	list(ctx context.Context, prefix string) ([][]byte, error)
}

// Table implements Store on top of a blob backend.
type Table struct {
	backend backend
	logger  *slog.Logger
	now     func() time.Time
}

func newTable(b backend, logger *slog.Logger) *Table {
	return &Table{backend: b, logger: logger, now: time.Now}
}

// Key derivation. Emails are lowercased so that lookups are case-insensitive.

func datestamp(date time.Time) string {
	return date.UTC().Format("2006-01-02")
}

func snapshotKey(date time.Time) string {
	return snapshotPartition + "/" + datestamp(date)
}

func digestKey(strategyType string, date time.Time) string {
	return digestPartition + strategyType + "/" + datestamp(date)
}

func subscriberKey(email string) string {
	return subscriberPartition + strings.ToLower(email) + "/" + fixedSortKey
}

func pendingKey(email string) string {
	return pendingPartition + strings.ToLower(email) + "/" + fixedSortKey
}

// Stored record shapes. Expiry is unix seconds; zero means no expiry.

type snapshotRecord struct {
	Posts     map[string]digest.Post `json:"posts"`
	ExpiresAt int64                  `json:"expires_at"`
}

type digestRecord struct {
	Posts     []digest.Post `json:"posts"`
	ExpiresAt int64         `json:"expires_at"`
}

func (t *Table) expired(expiresAt int64) bool {
	return expiresAt != 0 && t.now().UTC().Unix() >= expiresAt
}

// SaveSnapshot persists the candidate set for a date, overwriting any
// snapshot already stored for that date.
func (t *Table) SaveSnapshot(ctx context.Context, date time.Time, posts map[string]digest.Post) error {
	rec := snapshotRecord{
		Posts:     posts,
		ExpiresAt: date.UTC().Add(modelTTL).Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := t.backend.put(ctx, snapshotKey(date), data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	t.logger.Info("Snapshot saved", "date", datestamp(date), "post_count", len(posts))
	return nil
}

// SaveDigest persists the selected posts for one strategy on one date.
// Re-running for the same key simply overwrites.
func (t *Table) SaveDigest(ctx context.Context, strategyType string, date time.Time, posts []digest.Post) error {
	rec := digestRecord{
		Posts:     posts,
		ExpiresAt: date.UTC().Add(modelTTL).Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal digest: %w", err)
	}
	if err := t.backend.put(ctx, digestKey(strategyType, date), data); err != nil {
		return fmt.Errorf("save digest: %w", err)
	}
	t.logger.Info("Digest saved", "strategy", strategyType, "date", datestamp(date), "post_count", len(posts))
	return nil
}

// Digest loads the digest for (strategyType, date). A malformed stored record
// is logged and reported as ErrNotFound rather than failing the run.
func (t *Table) Digest(ctx context.Context, strategyType string, date time.Time) ([]digest.Post, error) {
	data, err := t.backend.get(ctx, digestKey(strategyType, date))
	if err != nil {
		return nil, err
	}
	var rec digestRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.logger.Warn("Malformed digest record, treating as absent",
			"strategy", strategyType, "date", datestamp(date), "error", err)
		return nil, ErrNotFound
	}
	if t.expired(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	return rec.Posts, nil
}

// Subscriber loads a subscriber by email.
func (t *Table) Subscriber(ctx context.Context, email string) (*digest.Subscriber, error) {
	data, err := t.backend.get(ctx, subscriberKey(email))
	if err != nil {
		return nil, err
	}
	var sub digest.Subscriber
	if err := json.Unmarshal(data, &sub); err != nil {
		t.logger.Warn("Malformed subscriber record, treating as absent", "email", email, "error", err)
		return nil, ErrNotFound
	}
	return &sub, nil
}

// SubscriberByToken finds a subscriber by unsubscribe token. Tokens must be
// unique: more than one match is a data-integrity error. Any lookup failure
// is returned as-is so token checks fail closed.
func (t *Table) SubscriberByToken(ctx context.Context, token string) (*digest.Subscriber, error) {
	subs, err := t.Subscribers(ctx)
	if err != nil {
		return nil, err
	}

	var found *digest.Subscriber
	for _, sub := range subs {
		if sub.UnsubscribeToken != token {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("data integrity: multiple subscribers share an unsubscribe token")
		}
		found = sub
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Subscribers lists every verified subscriber. Malformed records are skipped.
func (t *Table) Subscribers(ctx context.Context) ([]*digest.Subscriber, error) {
	values, err := t.backend.list(ctx, subscriberPartition)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}

	subs := make([]*digest.Subscriber, 0, len(values))
	for _, data := range values {
		var sub digest.Subscriber
		if err := json.Unmarshal(data, &sub); err != nil {
			t.logger.Warn("Skipping malformed subscriber record", "error", err)
			continue
		}
		subs = append(subs, &sub)
	}
	return subs, nil
}

// UpsertSubscriber creates or overwrites the subscriber record for an email.
func (t *Table) UpsertSubscriber(ctx context.Context, sub *digest.Subscriber) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}
	if err := t.backend.put(ctx, subscriberKey(sub.Email), data); err != nil {
		return fmt.Errorf("save subscriber: %w", err)
	}
	t.logger.Info("Subscriber saved", "email", sub.Email, "strategy", sub.StrategyType)
	return nil
}

// RemoveSubscriber deletes the subscriber record for an email, if any.
func (t *Table) RemoveSubscriber(ctx context.Context, email string) error {
	if err := t.backend.del(ctx, subscriberKey(email)); err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	t.logger.Info("Subscriber deleted", "email", email)
	return nil
}

// PendingSubscription loads the pending subscription for an email. Expired
// records are reported as ErrNotFound even before the backend reclaims them.
func (t *Table) PendingSubscription(ctx context.Context, email string) (*digest.PendingSubscription, error) {
	data, err := t.backend.get(ctx, pendingKey(email))
	if err != nil {
		return nil, err
	}
	var pending digest.PendingSubscription
	if err := json.Unmarshal(data, &pending); err != nil {
		t.logger.Warn("Malformed pending record, treating as absent", "email", email, "error", err)
		return nil, ErrNotFound
	}
	if !pending.ExpiresAt.IsZero() && !t.now().UTC().Before(pending.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &pending, nil
}

// UpsertPendingSubscription creates or overwrites the pending record for an
// email, reissuing token and strategy on repeat subscribe requests.
func (t *Table) UpsertPendingSubscription(ctx context.Context, pending *digest.PendingSubscription) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal pending subscription: %w", err)
	}
	if err := t.backend.put(ctx, pendingKey(pending.Email), data); err != nil {
		return fmt.Errorf("save pending subscription: %w", err)
	}
	t.logger.Info("Pending subscription saved", "email", pending.Email, "strategy", pending.StrategyType)
	return nil
}

// DeletePendingSubscription removes the pending record for an email, if any.
func (t *Table) DeletePendingSubscription(ctx context.Context, email string) error {
	if err := t.backend.del(ctx, pendingKey(email)); err != nil {
		return fmt.Errorf("delete pending subscription: %w", err)
	}
	return nil
}

// IsNotFound reports whether an error indicates an absent record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.SubscriptionStore = (*SubscriptionStore)(nil)

// uniqueViolation is the SQLSTATE for unique constraint failures
const uniqueViolation = "23505"

// ErrNoCredentialKey is returned when an end carries a credential but no
// credentials key was configured.
var ErrNoCredentialKey = errors.New("credential present but no credentials key configured")

const subscriptionColumns = `
	id, end_a, end_b, end_a_credential, end_b_credential, direction, master, options,
	error_count, missing_target, missing_target_retries, last_refresh, deleted,
	pending_unsubscribe, synched_uids, created_at, updated_at`

// SubscriptionStore implements driven.SubscriptionStore using PostgreSQL.
// End descriptors are stored as JSONB; their credentials are split out and
// encrypted at rest.
type SubscriptionStore struct {
	db        *DB
	credentials *CredentialCipher
}

// NewSubscriptionStore creates a new SubscriptionStore.
// credentials may be nil when no end carries a credential.
func NewSubscriptionStore(db *DB, credentials *CredentialCipher) *SubscriptionStore {
	return &SubscriptionStore{db: db, credentials: credentials}
}

// Add stores a new subscription
func (s *SubscriptionStore) Add(ctx context.Context, sub *domain.Subscription) error {
	row, err := s.encode(sub)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO subscriptions (id, end_a_key, end_b_key, end_a, end_b, end_a_credential, end_b_credential,
			direction, master, options, error_count, missing_target, missing_target_retries,
			last_refresh, deleted, pending_unsubscribe, synched_uids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = s.db.ExecContext(ctx, query,
		sub.ID,
		sub.EndA.Key(),
		sub.EndB.Key(),
		row.endA,
		row.endB,
		row.credA,
		row.credB,
		string(sub.Direction),
		string(sub.Master),
		row.options,
		sub.ErrorCount,
		sub.MissingTarget,
		sub.MissingTargetRetries,
		nullTime(sub.LastRefresh),
		sub.Deleted,
		nullTime(sub.PendingUnsubscribe),
		row.synched,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("subscription %s: %w", sub.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert subscription %s: %w", sub.ID, err)
	}
	return nil
}

// Update replaces a stored subscription
func (s *SubscriptionStore) Update(ctx context.Context, sub *domain.Subscription) error {
	row, err := s.encode(sub)
	if err != nil {
		return err
	}

	query := `
		UPDATE subscriptions SET
			end_a_key = $2, end_b_key = $3, end_a = $4, end_b = $5,
			end_a_credential = $6, end_b_credential = $7,
			direction = $8, master = $9, options = $10,
			error_count = $11, missing_target = $12, missing_target_retries = $13,
			last_refresh = $14, deleted = $15, pending_unsubscribe = $16, synched_uids = $17, updated_at = $18
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		sub.ID,
		sub.EndA.Key(),
		sub.EndB.Key(),
		row.endA,
		row.endB,
		row.credA,
		row.credB,
		string(sub.Direction),
		string(sub.Master),
		row.options,
		sub.ErrorCount,
		sub.MissingTarget,
		sub.MissingTargetRetries,
		nullTime(sub.LastRefresh),
		sub.Deleted,
		nullTime(sub.PendingUnsubscribe),
		row.synched,
		sub.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("subscription %s: %w", sub.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	return expectOneRow(res, sub.ID)
}

// Delete removes a subscription
func (s *SubscriptionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return expectOneRow(res, id)
}

// Get retrieves a subscription by ID
func (s *SubscriptionStore) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := s.scan(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return sub, err
}

// Find retrieves the subscription linking the two ends
func (s *SubscriptionStore) Find(ctx context.Context, endA, endB domain.End) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE end_a_key = $1 AND end_b_key = $2`
	sub, err := s.scan(s.db.QueryRowContext(ctx, query, endA.Key(), endB.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return sub, err
}

// List retrieves every subscription, oldest first
func (s *SubscriptionStore) List(ctx context.Context) ([]*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		sub, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type encodedSubscription struct {
	endA, endB   []byte
	credA, credB []byte
	options      []byte
	synched      []byte
}

func (s *SubscriptionStore) encode(sub *domain.Subscription) (*encodedSubscription, error) {
	var (
		row encodedSubscription
		err error
	)
	if row.endA, row.credA, err = s.encodeEnd(sub.EndA); err != nil {
		return nil, fmt.Errorf("encode end A of %s: %w", sub.ID, err)
	}
	if row.endB, row.credB, err = s.encodeEnd(sub.EndB); err != nil {
		return nil, fmt.Errorf("encode end B of %s: %w", sub.ID, err)
	}
	if row.options, err = json.Marshal(sub.Options); err != nil {
		return nil, fmt.Errorf("encode options of %s: %w", sub.ID, err)
	}
	uids := sub.SynchedUIDs
	if uids == nil {
		uids = []string{}
	}
	if row.synched, err = json.Marshal(uids); err != nil {
		return nil, fmt.Errorf("encode synched uids of %s: %w", sub.ID, err)
	}
	return &row, nil
}

// encodeEnd marshals an end without its credential and seals the credential
// separately, bound to the end key.
func (s *SubscriptionStore) encodeEnd(end domain.End) (data, credential []byte, err error) {
	secret := end.Credential
	end.Credential = ""
	if data, err = json.Marshal(end); err != nil {
		return nil, nil, err
	}
	if secret == "" {
		return data, nil, nil
	}
	if s.credentials == nil {
		return nil, nil, ErrNoCredentialKey
	}
	if credential, err = s.credentials.Seal(end.Key(), secret); err != nil {
		return nil, nil, err
	}
	return data, credential, nil
}

func (s *SubscriptionStore) decodeEnd(data, credential []byte, end *domain.End) error {
	if err := json.Unmarshal(data, end); err != nil {
		return err
	}
	if len(credential) == 0 {
		return nil
	}
	if s.credentials == nil {
		return ErrNoCredentialKey
	}
	secret, err := s.credentials.Open(end.Key(), credential)
	if err != nil {
		return err
	}
	end.Credential = secret
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SubscriptionStore) scan(row rowScanner) (*domain.Subscription, error) {
	var (
		sub                domain.Subscription
		endA, endB         []byte
		credA, credB       []byte
		options, synched   []byte
		direction, master  string
		lastRefresh, unsub sql.NullTime
	)
	err := row.Scan(
		&sub.ID,
		&endA,
		&endB,
		&credA,
		&credB,
		&direction,
		&master,
		&options,
		&sub.ErrorCount,
		&sub.MissingTarget,
		&sub.MissingTargetRetries,
		&lastRefresh,
		&sub.Deleted,
		&unsub,
		&synched,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := s.decodeEnd(endA, credA, &sub.EndA); err != nil {
		return nil, fmt.Errorf("decode end A of %s: %w", sub.ID, err)
	}
	if err := s.decodeEnd(endB, credB, &sub.EndB); err != nil {
		return nil, fmt.Errorf("decode end B of %s: %w", sub.ID, err)
	}
	if err := json.Unmarshal(options, &sub.Options); err != nil {
		return nil, fmt.Errorf("decode options of %s: %w", sub.ID, err)
	}
	if len(synched) > 0 {
		if err := json.Unmarshal(synched, &sub.SynchedUIDs); err != nil {
			return nil, fmt.Errorf("decode synched uids of %s: %w", sub.ID, err)
		}
	}
	sub.Direction = domain.Direction(direction)
	sub.Master = domain.EndID(master)
	sub.LastRefresh = timePtr(lastRefresh)
	sub.PendingUnsubscribe = timePtr(unsub)
	return &sub, nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Claim takes or renews the lease on resource for owner until ttl from now.
// It reports false when another owner holds a lease that has not expired.
// Renewing a lease owner already holds always succeeds.
func (s *Store) Claim(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	return s.execChanged(ctx, `INSERT INTO claims (resource, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (resource) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE claims.owner = excluded.owner OR claims.expires_at <= ?`,
		resource, owner, s.formatTime(now.Add(ttl)), s.formatTime(now))
}

// ReleaseClaim drops owner's lease on resource. Releasing a lease held by
// someone else, or no lease at all, does nothing.
func (s *Store) ReleaseClaim(ctx context.Context, resource, owner string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM claims WHERE resource = ? AND owner = ?`), resource, owner)
	return s.classify(err)
}

// ClaimHolder returns the owner of an unexpired lease on resource, or "".
func (s *Store) ClaimHolder(ctx context.Context, resource string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT owner FROM claims WHERE resource = ? AND expires_at > ?`),
		resource, s.formatTime(s.now())).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", s.classify(err)
	}
	return owner, nil
}

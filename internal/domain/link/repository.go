package link

import (
	"context"
	"time"
)

type Repository interface {
	// Create returns ErrDuplicateToken if the token is already stored.
	Create(ctx context.Context, s *Session) error

	// Get returns ErrSessionNotFound for unknown tokens.
	Get(ctx context.Context, token string) (*Session, error)

	// Claim marks an unconsumed, unexpired session as being exchanged with
	// the given credential hash. A claim older than staleBefore may be
	// taken over. It reports whether this caller won the claim.
	Claim(ctx context.Context, token, credentialHash string, now, staleBefore time.Time) (bool, error)

	// Release drops a claim so the exchange can be retried.
	Release(ctx context.Context, token string) error

	// Complete marks the session consumed and stores the exchange outcome.
	Complete(ctx context.Context, token string, accountIDs []string, at time.Time) error

	// DeleteExpired removes unconsumed sessions that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

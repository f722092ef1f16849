package account

import (
	"context"
	"time"
)

// Repository defines the interface for account data access
// This interface is defined in the domain layer, but implemented in the infrastructure layer
type Repository interface {
	// CreateIfNotExists inserts the account unless one with the same ID
	// exists, and returns the stored account either way.
	CreateIfNotExists(ctx context.Context, a *Account) (stored *Account, created bool, err error)

	// GetByID returns ErrAccountNotFound for unknown or removed accounts.
	GetByID(ctx context.Context, id string) (*Account, error)

	// ListByUserID returns the user's accounts that have not been removed.
	ListByUserID(ctx context.Context, userID int64) ([]*Account, error)

	// Update persists the user-mutable fields of a.
	Update(ctx context.Context, a *Account) error

	// UpdateStatus moves the account from one status to another and
	// returns ErrStatusConflict if the stored status is no longer from.
	// A non-nil syncedAt also advances the sync checkpoint.
	UpdateStatus(ctx context.Context, id string, from, to Status, syncedAt *time.Time) error

	// MarkRemoved hides a manual account from every listing.
	MarkRemoved(ctx context.Context, id string, at time.Time) error

	// ListUserIDsWithLinkedAccounts returns users that own at least one
	// syncable account.
	ListUserIDsWithLinkedAccounts(ctx context.Context) ([]int64, error)
}

// Package link issues link sessions and turns a completed provider
// authorization into registered accounts.
package link

import (
	"time"

	"finlink/internal/domain/account"
	"finlink/internal/shared/apperr"
)

var (
	ErrSessionNotFound    = apperr.New(apperr.ErrNotFound, "link session not found")
	ErrSessionExpired     = apperr.New(apperr.ErrExpired, "link session expired")
	ErrSessionConsumed    = apperr.New(apperr.ErrConflict, "link session already consumed")
	ErrExchangeInProgress = apperr.New(apperr.ErrConflict, "link session exchange in progress")
	ErrForbidden          = apperr.New(apperr.ErrForbidden, "link session belongs to another user")
	ErrInvalidCredential  = apperr.New(apperr.ErrValidation, "public credential is required")
	ErrDuplicateToken     = apperr.New(apperr.ErrConflict, "link token already exists")
	ErrExchangeFailed     = apperr.New(apperr.ErrUpstream, "provider rejected the link exchange")
)

// Session is a short-lived link handshake. Once consumed it records the
// accounts the exchange produced so retries can be answered without the
// provider.
type Session struct {
	Token          string     `json:"token"`
	UserID         int64      `json:"userId"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	ClaimedAt      *time.Time `json:"-"`
	ConsumedAt     *time.Time `json:"consumedAt,omitempty"`
	CredentialHash string     `json:"-"`
	AccountIDs     []string   `json:"-"`
}

func (s *Session) Consumed() bool {
	return s.ConsumedAt != nil
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type ExchangeResult struct {
	Accounts []*account.Account `json:"accounts"`
	// Replayed is set when the result was served from a previous exchange.
	Replayed bool `json:"replayed"`
}

// AccountIDs returns the ids of the exchanged accounts in order.
func (r *ExchangeResult) AccountIDs() []string {
	ids := make([]string, len(r.Accounts))
	for i, a := range r.Accounts {
		ids[i] = a.ID
	}
	return ids
}

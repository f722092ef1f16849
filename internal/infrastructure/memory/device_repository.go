package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"finlink/internal/domain/notification"
)

type DeviceTokenRepository struct {
	mu     sync.RWMutex
	tokens map[string]*notification.DeviceToken
}

var _ notification.Repository = (*DeviceTokenRepository)(nil)

func NewDeviceTokenRepository() *DeviceTokenRepository {
	return &DeviceTokenRepository{tokens: make(map[string]*notification.DeviceToken)}
}

func (r *DeviceTokenRepository) UpsertDeviceToken(ctx context.Context, params notification.RegisterDeviceParams) (*notification.DeviceToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	t, ok := r.tokens[params.Token]
	if !ok {
		t = &notification.DeviceToken{Token: params.Token, CreatedAt: now}
		r.tokens[params.Token] = t
	}
	t.UserID = params.UserID
	t.DeviceType = params.DeviceType
	t.IsActive = true
	t.LastUsed = now

	c := *t
	return &c, nil
}

func (r *DeviceTokenRepository) GetActiveTokensByUserID(ctx context.Context, userID int64) ([]*notification.DeviceToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*notification.DeviceToken
	for _, t := range r.tokens {
		if t.UserID == userID && t.IsActive {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (r *DeviceTokenRepository) DeactivateToken(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tokens[token]; ok {
		t.IsActive = false
	}
	return nil
}

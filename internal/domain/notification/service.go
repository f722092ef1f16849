package notification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"finlink/internal/domain/account"
	"finlink/internal/shared/messages"
)

// Service sends the engine's user-facing notices. Delivery is best effort:
// a missing messenger or device is not an error.
type Service struct {
	repo      Repository
	messenger Messenger
	texts     messages.Messages
}

// NewService creates a new notification service. messenger may be nil.
func NewService(repo Repository, messenger Messenger, texts messages.Messages) *Service {
	return &Service{repo: repo, messenger: messenger, texts: texts}
}

// RegisterDevice registers a device token for the authenticated user.
func (s *Service) RegisterDevice(ctx context.Context, params RegisterDeviceParams) (*DeviceToken, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	token, err := s.repo.UpsertDeviceToken(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	return token, nil
}

// DeactivateToken is passed to the messenger to drop tokens FCM rejects.
func (s *Service) DeactivateToken(ctx context.Context, token string) error {
	return s.repo.DeactivateToken(ctx, token)
}

// NotifyRelinkRequired tells the owner that an account's link is broken.
func (s *Service) NotifyRelinkRequired(ctx context.Context, a *account.Account) error {
	text := s.texts.RelinkRequired.Render(a.Institution, a.Name)
	return s.sendToUser(ctx, a.UserID, text, CategoryAccounts, map[string]string{
		"account_id": a.ID,
		"reason":     "relink_required",
	})
}

// NotifySyncComplete tells the user newly linked accounts finished their
// first sync.
func (s *Service) NotifySyncComplete(ctx context.Context, userID int64, institution string) error {
	text := s.texts.SyncComplete.Render(institution, "")
	return s.sendToUser(ctx, userID, text, CategorySync, nil)
}

func (s *Service) sendToUser(ctx context.Context, userID int64, text messages.MessageText, category string, data map[string]string) error {
	if s.messenger == nil {
		return nil
	}

	tokens, err := s.repo.GetActiveTokensByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		zap.L().Debug("no active device tokens", zap.Int64("user_id", userID))
		return nil
	}

	if data == nil {
		data = make(map[string]string)
	}
	if _, ok := data["route"]; !ok {
		data["route"] = category
	}

	tokenStrings := make([]string, len(tokens))
	for i, t := range tokens {
		tokenStrings[i] = t.Token
	}

	if err := s.messenger.SendMulticast(ctx, tokenStrings, text.Title, text.Body, data); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

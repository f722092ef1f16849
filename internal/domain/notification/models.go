package notification

import (
	"time"

	"finlink/internal/shared/apperr"
)

// Notification categories, sent as the "route" data key.
const (
	CategoryAccounts = "accounts"
	CategorySync     = "sync"
)

var validDeviceTypes = map[string]struct{}{
	"ios":     {},
	"android": {},
	"web":     {},
}

// Domain errors
var (
	ErrInvalidDeviceType = apperr.New(apperr.ErrValidation, "device type must be 'ios', 'android' or 'web'")
	ErrInvalidToken      = apperr.New(apperr.ErrValidation, "device token is required")
	ErrInvalidUser       = apperr.New(apperr.ErrValidation, "valid user ID is required")
)

// DeviceToken represents a registered push device
type DeviceToken struct {
	Token      string    `json:"token"`
	UserID     int64     `json:"userId"`
	DeviceType string    `json:"deviceType"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsed   time.Time `json:"lastUsed"`
}

// RegisterDeviceParams contains parameters for registering a device
type RegisterDeviceParams struct {
	UserID     int64
	Token      string
	DeviceType string
}

func (p RegisterDeviceParams) Validate() error {
	if p.UserID <= 0 {
		return ErrInvalidUser
	}
	if p.Token == "" {
		return ErrInvalidToken
	}
	if !IsValidDeviceType(p.DeviceType) {
		return ErrInvalidDeviceType
	}
	return nil
}

func IsValidDeviceType(dt string) bool {
	_, ok := validDeviceTypes[dt]
	return ok
}

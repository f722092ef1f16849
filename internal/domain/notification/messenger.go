package notification

import "context"

// Messenger delivers push messages to registered devices. A nil Messenger
// means push is disabled and notices are dropped.
type Messenger interface {
	// Send pushes to a single device token.
	Send(ctx context.Context, token string, title, body string, data map[string]string) error
	// SendMulticast pushes the same message to every token of one user.
	SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) error
}

package firebase

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"finlink/internal/domain/notification"
)

const fcmBatchLimit = 500

// TokenDeactivator marks a token FCM reports as unregistered.
type TokenDeactivator func(ctx context.Context, token string) error

// sender is the subset of *messaging.Client the client uses.
type sender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Client implements notification.Messenger using Firebase Cloud Messaging
type Client struct {
	msg         sender
	deactivator TokenDeactivator
}

var _ notification.Messenger = (*Client)(nil)

// NewClient initializes a Firebase app from a service account file.
// deactivator may be nil.
func NewClient(ctx context.Context, credentialsFile string, deactivator TokenDeactivator) (*Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging client: %w", err)
	}

	return &Client{msg: msgClient, deactivator: deactivator}, nil
}

// Send sends a push notification to a single device token
func (c *Client) Send(ctx context.Context, token string, title, body string, data map[string]string) error {
	_, err := c.msg.Send(ctx, &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: title, Body: body},
		Data:         data,
	})
	if err != nil {
		if isInvalidToken(err) {
			zap.L().Info("deactivating invalid FCM token", zap.Error(err))
			c.deactivate(ctx, token)
			return fmt.Errorf("invalid token: %w", err)
		}
		return fmt.Errorf("failed to send FCM message: %w", err)
	}
	return nil
}

// SendMulticast sends to many tokens in batches of 500, the FCM limit.
func (c *Client) SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	if len(tokens) == 0 {
		return nil
	}

	var success, failure int
	for _, batch := range chunkTokens(tokens, fcmBatchLimit) {
		resp, err := c.msg.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens:       batch,
			Notification: &messaging.Notification{Title: title, Body: body},
			Data:         data,
		})
		if err != nil {
			return fmt.Errorf("failed to send FCM multicast: %w", err)
		}

		success += resp.SuccessCount
		failure += resp.FailureCount
		if resp.FailureCount > 0 {
			c.handleFailures(ctx, batch, resp)
		}
	}

	zap.L().Debug("FCM multicast sent",
		zap.Int("success", success),
		zap.Int("failure", failure),
	)
	return nil
}

func (c *Client) handleFailures(ctx context.Context, tokens []string, resp *messaging.BatchResponse) {
	for i, r := range resp.Responses {
		if r.Error == nil || i >= len(tokens) {
			continue
		}
		if isInvalidToken(r.Error) {
			c.deactivate(ctx, tokens[i])
			continue
		}
		zap.L().Warn("FCM send failed", zap.Int("index", i), zap.Error(r.Error))
	}
}

func (c *Client) deactivate(ctx context.Context, token string) {
	if c.deactivator == nil {
		return
	}
	if err := c.deactivator(ctx, token); err != nil {
		zap.L().Warn("failed to deactivate FCM token", zap.Error(err))
	}
}

func isInvalidToken(err error) bool {
	return messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err)
}

func chunkTokens(tokens []string, size int) [][]string {
	var chunks [][]string
	for i := 0; i < len(tokens); i += size {
		end := min(i+size, len(tokens))
		chunks = append(chunks, tokens[i:end])
	}
	return chunks
}

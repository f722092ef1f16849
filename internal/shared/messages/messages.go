// Package messages holds the user-facing push notification texts.
package messages

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Render replaces {institution} and {account} placeholders.
func (m MessageText) Render(institution, account string) MessageText {
	r := strings.NewReplacer("{institution}", institution, "{account}", account)
	return MessageText{Title: r.Replace(m.Title), Body: r.Replace(m.Body)}
}

type Messages struct {
	SyncComplete   MessageText `json:"sync_complete"`
	RelinkRequired MessageText `json:"relink_required"`
}

// Default is used when no messages file is configured or a field is missing.
func Default() Messages {
	return Messages{
		SyncComplete: MessageText{
			Title: "Accounts updated",
			Body:  "Your {institution} accounts are up to date.",
		},
		RelinkRequired: MessageText{
			Title: "Reconnect {institution}",
			Body:  "We could not sync {account}. Please link the account again.",
		},
	}
}

// Load reads a notifications JSON file. Missing entries keep their defaults.
func Load(path string) (*Messages, error) {
	msgs := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}
	return &msgs, nil
}

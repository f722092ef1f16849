package messages

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	content := `{"relink_required": {"title": "Reconecte {institution}", "body": "Conta {account} desconectada"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	msgs, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Reconecte {institution}", msgs.RelinkRequired.Title)
	assert.Equal(t, Default().SyncComplete, msgs.SyncComplete)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestMessageText_Render(t *testing.T) {
	got := Default().RelinkRequired.Render("Acme Bank", "Checking")

	assert.Equal(t, "Reconnect Acme Bank", got.Title)
	assert.Equal(t, "We could not sync Checking. Please link the account again.", got.Body)
}

package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "placeholders kept",
			query: "SELECT * FROM accounts WHERE id = $1 AND user_id = $12",
			want:  "SELECT * FROM accounts WHERE id = $1 AND user_id = $12",
		},
		{
			name:  "string literal",
			query: "SELECT 1 FROM link_sessions WHERE token = 'secret'",
			want:  "SELECT ? FROM link_sessions WHERE token = '?'",
		},
		{
			name:  "escaped quote",
			query: "UPDATE accounts SET name = 'O''Brien' WHERE id = $1",
			want:  "UPDATE accounts SET name = '?' WHERE id = $1",
		},
		{
			name:  "decimal literal",
			query: "SELECT * FROM balance_snapshots WHERE current > 100.50",
			want:  "SELECT * FROM balance_snapshots WHERE current > ?",
		},
		{
			name:  "digits inside identifiers",
			query: "SELECT col1 FROM t2",
			want:  "SELECT col1 FROM t2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeQuery(tt.query))
		})
	}
}

func TestSanitizeQuery_Truncates(t *testing.T) {
	got := sanitizeQuery("SELECT " + strings.Repeat("a", 400))
	assert.Len(t, got, 259)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestExtractSQLVerb(t *testing.T) {
	assert.Equal(t, "SELECT", extractSQLVerb("  select id from accounts"))
	assert.Equal(t, "INSERT", extractSQLVerb("\n\t\tINSERT INTO transactions"))
	assert.Equal(t, "UPDATE", extractSQLVerb("UPDATE\n accounts"))
	assert.Equal(t, "VACUUM", extractSQLVerb("vacuum"))
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"accounts", "link_sessions", "balance_snapshots", "transactions", "sync_leases", "device_tokens"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Contains(t, schema, "UNIQUE (account_id, dedup_key)")
}

func TestSchemaMoneyColumnsKeepFullPrecision(t *testing.T) {
	assert.NotContains(t, schema, "NUMERIC(")
	for _, col := range []string{"manual_balance", "current", "available", "amount"} {
		assert.Contains(t, schema, "ALTER COLUMN "+col+" TYPE NUMERIC;")
	}
}

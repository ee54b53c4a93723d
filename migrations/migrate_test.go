package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
	for _, n := range names {
		assert.True(t, strings.HasSuffix(n, ".sql"), n)
	}
}

func TestInitSchemaDeclaresSettlementTables(t *testing.T) {
	body, err := migrationFiles.ReadFile("001_init.sql")
	require.NoError(t, err)

	for _, table := range []string{
		"users", "tickets", "listings", "listing_tickets",
		"trades", "trade_participants", "trade_tickets", "user_balance_log",
	} {
		assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
	assert.Contains(t, string(body), "CHECK (balance >= 0)")
}

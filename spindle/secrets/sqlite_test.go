package secrets

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createInMemoryDB(t *testing.T) *SqliteManager {
	t.Helper()
	manager, err := NewSQLiteManager(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func createTestSecret(key, value string) UnlockedSecret {
	return UnlockedSecret{Key: key, Value: value}
}

func TestNewSQLiteManager(t *testing.T) {
	tests := []struct {
		name        string
		dbPath      string
		opts        []SqliteManagerOpt
		expectError bool
		expectTable string
	}{
		{
			name:        "default table name",
			dbPath:      ":memory:",
			expectTable: "secrets",
		},
		{
			name:        "custom table name",
			dbPath:      ":memory:",
			opts:        []SqliteManagerOpt{WithTableName("custom_secrets")},
			expectTable: "custom_secrets",
		},
		{
			name:        "invalid database path",
			dbPath:      "/invalid/path/to/database.db",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, err := NewSQLiteManager(tt.dbPath, tt.opts...)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer manager.Close()

			assert.Equal(t, tt.expectTable, manager.tableName)
		})
	}
}

func TestFromDB(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	manager, err := FromDB(db)
	require.NoError(t, err)
	require.NoError(t, manager.AddSecret(context.Background(), createTestSecret("TOKEN", "abc")))

	var n int
	require.NoError(t, db.QueryRow(`select count(*) from secrets`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSqliteManager_AddSecret(t *testing.T) {
	tests := []struct {
		name    string
		secrets []UnlockedSecret
		wantErr []error
	}{
		{
			name:    "single secret",
			secrets: []UnlockedSecret{createTestSecret("API_KEY", "secret")},
			wantErr: []error{nil},
		},
		{
			name: "duplicate key",
			secrets: []UnlockedSecret{
				createTestSecret("API_KEY", "one"),
				createTestSecret("API_KEY", "two"),
			},
			wantErr: []error{nil, ErrKeyAlreadyPresent},
		},
		{
			name: "invalid key",
			secrets: []UnlockedSecret{
				createTestSecret("1NVALID", "x"),
				createTestSecret("with-dash", "x"),
			},
			wantErr: []error{ErrInvalidKeyIdent, ErrInvalidKeyIdent},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := createInMemoryDB(t)
			for i, s := range tt.secrets {
				err := manager.AddSecret(context.Background(), s)
				if tt.wantErr[i] == nil {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, tt.wantErr[i])
				}
			}
		})
	}
}

func TestSqliteManager_RemoveSecret(t *testing.T) {
	ctx := context.Background()
	manager := createInMemoryDB(t)

	require.NoError(t, manager.AddSecret(ctx, createTestSecret("API_KEY", "secret")))

	assert.NoError(t, manager.RemoveSecret(ctx, "API_KEY"))
	assert.ErrorIs(t, manager.RemoveSecret(ctx, "API_KEY"), ErrKeyNotFound)

	locked, err := manager.GetSecretsLocked(ctx)
	require.NoError(t, err)
	assert.Empty(t, locked)
}

func TestSqliteManager_GetSecrets(t *testing.T) {
	ctx := context.Background()
	manager := createInMemoryDB(t)

	require.NoError(t, manager.AddSecret(ctx, createTestSecret("B_TOKEN", "bbb")))
	require.NoError(t, manager.AddSecret(ctx, createTestSecret("A_TOKEN", "aaa")))

	locked, err := manager.GetSecretsLocked(ctx)
	require.NoError(t, err)
	require.Len(t, locked, 2)
	assert.Equal(t, "A_TOKEN", locked[0].Key)
	assert.Equal(t, "B_TOKEN", locked[1].Key)
	assert.False(t, locked[0].CreatedAt.IsZero())

	unlocked, err := manager.GetSecretsUnlocked(ctx)
	require.NoError(t, err)
	require.Len(t, unlocked, 2)
	assert.Equal(t, "aaa", unlocked[0].Value)
	assert.Equal(t, "bbb", unlocked[1].Value)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"API_KEY", true},
		{"_private", true},
		{"key123", true},
		{"", false},
		{"123key", false},
		{"key-with-dash", false},
		{"key with space", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidKeyIdent)
			}
		})
	}
}

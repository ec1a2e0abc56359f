package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "switchboard.db")
	conn, err := Connect(context.Background(), Config{Path: path, MaxOpenConns: 2})
	require.NoError(t, err)
	defer conn.Close()

	var fk int
	require.NoError(t, conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
	assert.Equal(t, 2, conn.Stats().MaxOpenConnections)
}

func TestDSN(t *testing.T) {
	dsn := DSN(Config{Path: "/tmp/x.db", BusyTimeout: 2 * time.Second})
	assert.Contains(t, dsn, "busy_timeout(2000)")
	assert.Contains(t, dsn, "_txlock=immediate")
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

package model

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/pkg/db"
	"github.com/thep200/gitpulse/pkg/log"
)

func testModel(t *testing.T) Model {
	t.Helper()

	mock, _ := cfg.NewMockLoader()
	config, err := mock.Load()
	require.NoError(t, err)
	config.Database.SqlitePath = filepath.Join(t.TempDir(), "model.db")

	database, err := db.NewDatabase(config)
	require.NoError(t, err)
	require.NoError(t, Migrate(database))
	t.Cleanup(func() { _ = database.Close() })

	return Model{Config: config, Logger: log.NewNopLogger(), Database: database}
}

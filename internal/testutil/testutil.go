// Package testutil builds the fixtures shared by package tests: a mock
// config, a migrated sqlite database and a recording publisher.
package testutil

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/pkg/db"
)

func Config(t testing.TB) *cfg.Config {
	t.Helper()
	mock, _ := cfg.NewMockLoader()
	config, err := mock.Load()
	require.NoError(t, err)
	config.Database.SqlitePath = filepath.Join(t.TempDir(), "gitpulse.db")
	return config
}

// Database opens and migrates a throwaway sqlite database for config.
func Database(t testing.TB, config *cfg.Config) *db.Database {
	t.Helper()
	database, err := db.NewDatabase(config)
	require.NoError(t, err)
	require.NoError(t, model.Migrate(database))
	t.Cleanup(func() { _ = database.Close() })
	return database
}

type Event struct {
	Key   string
	Value json.RawMessage
}

// Publisher records every published event.
type Publisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *Publisher) Publish(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Key: key, Value: raw})
	return nil
}

func (p *Publisher) Close() error { return nil }

// Keys lists the keys of recorded events in publish order.
func (p *Publisher) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.Key)
	}
	return keys
}

func (p *Publisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

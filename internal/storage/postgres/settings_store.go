package postgres

import (
	"context"
	"fmt"
)

// SettingsStore reads runtime-tunable key/value settings.
type SettingsStore struct {
	db DB
}

// NewSettingsStore builds a store over db.
func NewSettingsStore(db DB) (*SettingsStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SettingsStore{db: db}, nil
}

// LoadSettings returns the stored values for keys. Missing keys are absent from the map.
func (s *SettingsStore) LoadSettings(ctx context.Context, keys []string) (map[string]string, error) {
	rows, err := s.db.Query(ctx, `SELECT key, value FROM system_settings WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string, len(keys))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return values, nil
}

// Ping reports whether the database is reachable.
func (s *SettingsStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

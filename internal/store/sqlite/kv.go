// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS plugin_kv (
	plugin_id TEXT NOT NULL,
	k         TEXT NOT NULL,
	v         BLOB NOT NULL,
	PRIMARY KEY (plugin_id, k)
);
`

// KVStore is the sqlite-backed store.KVStore.
type KVStore struct {
	db *sql.DB
}

var _ store.KVStore = (*KVStore)(nil)

// NewKVStore opens (or creates) the database at path.
func NewKVStore(path string) (*KVStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(kvSchema); err != nil {
		_ = db.Close()
		return nil, wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "creating kv schema")
	}
	return &KVStore{db: db}, nil
}

func (s *KVStore) Get(ctx context.Context, pluginID, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT v FROM plugin_kv WHERE plugin_id = ? AND k = ?`, pluginID, key)

	var value []byte
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, wardenerr.New(wardenerr.CodeStoreNotFound, "key not found",
				wardenerr.FieldPlugin(pluginID), wardenerr.Field("key", key))
		}
		return nil, wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "reading kv entry")
	}
	return value, nil
}

func (s *KVStore) Put(ctx context.Context, pluginID, key string, value []byte) error {
	if pluginID == "" || key == "" {
		return wardenerr.New(wardenerr.CodeStoreInvalidInput, "kv put requires plugin id and key")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_kv (plugin_id, k, v) VALUES (?, ?, ?)
		ON CONFLICT (plugin_id, k) DO UPDATE SET v = excluded.v`,
		pluginID, key, value)
	return wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "upserting kv entry")
}

func (s *KVStore) Delete(ctx context.Context, pluginID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_kv WHERE plugin_id = ? AND k = ?`, pluginID, key)
	return wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "deleting kv entry")
}

func (s *KVStore) Keys(ctx context.Context, pluginID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k FROM plugin_kv WHERE plugin_id = ? ORDER BY k`, pluginID)
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "listing kv keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "scanning kv key")
		}
		keys = append(keys, k)
	}
	return keys, wardenerr.Wrap(rows.Err(), wardenerr.CodeStoreFailure, "iterating kv keys")
}

func (s *KVStore) DeleteAll(ctx context.Context, pluginID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_kv WHERE plugin_id = ?`, pluginID)
	return wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "clearing kv namespace")
}

func (s *KVStore) Close() error { return s.db.Close() }

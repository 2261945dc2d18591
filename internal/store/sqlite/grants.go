// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package sqlite persists permission grants and the security audit log in a
// single sqlite database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

func init() {
	store.RegisterBackend("sqlite", func(path string) (store.GrantStore, store.AuditStore, error) {
		db, err := openDB(path)
		if err != nil {
			return nil, nil, err
		}
		// Both stores share the connection; GrantStore.Close owns it.
		return &GrantStore{db: db, owned: true}, &AuditStore{db: db}, nil
	})
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "opening grants db")
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "creating schema")
	}

	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS grants (
	plugin_id  TEXT NOT NULL,
	permission TEXT NOT NULL,
	granted    INTEGER NOT NULL,
	dangerous  INTEGER NOT NULL,
	decided_at INTEGER NOT NULL,
	PRIMARY KEY (plugin_id, permission)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id        TEXT PRIMARY KEY,
	ts        INTEGER NOT NULL,
	plugin_id TEXT NOT NULL,
	action    TEXT NOT NULL,
	detail    TEXT NOT NULL DEFAULT '',
	result    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_plugin_ts ON audit_log (plugin_id, ts);
`

// GrantStore is the sqlite-backed store.GrantStore.
type GrantStore struct {
	db    *sql.DB
	owned bool
}

// NewGrantStore opens (or creates) the database at path.
func NewGrantStore(path string) (*GrantStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &GrantStore{db: db, owned: true}, nil
}

func (s *GrantStore) Put(ctx context.Context, grant *store.Grant) error {
	if grant.PluginID == "" || grant.Permission == "" {
		return wardenerr.New(wardenerr.CodeStoreInvalidInput, "grant requires plugin id and permission")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grants (plugin_id, permission, granted, dangerous, decided_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (plugin_id, permission)
		DO UPDATE SET granted = excluded.granted, dangerous = excluded.dangerous, decided_at = excluded.decided_at`,
		grant.PluginID, grant.Permission, boolToInt(grant.Granted), boolToInt(grant.Dangerous),
		grant.DecidedAt.UnixMilli())
	return wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "upserting grant")
}

func (s *GrantStore) Get(ctx context.Context, pluginID, permission string) (*store.Grant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT granted, dangerous, decided_at FROM grants
		WHERE plugin_id = ? AND permission = ?`, pluginID, permission)

	var granted, dangerous int
	var decidedAt int64
	if err := row.Scan(&granted, &dangerous, &decidedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, wardenerr.New(wardenerr.CodeStoreNotFound, "no grant decision recorded",
				wardenerr.FieldPlugin(pluginID), wardenerr.Field("permission", permission))
		}
		return nil, wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "reading grant")
	}

	return &store.Grant{
		PluginID:   pluginID,
		Permission: permission,
		Granted:    granted != 0,
		Dangerous:  dangerous != 0,
		DecidedAt:  time.UnixMilli(decidedAt),
	}, nil
}

func (s *GrantStore) Granted(ctx context.Context, pluginID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT permission FROM grants
		WHERE plugin_id = ? AND granted = 1
		ORDER BY permission`, pluginID)
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "listing grants")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "scanning grant row")
		}
		names = append(names, name)
	}

	return names, wardenerr.Wrap(rows.Err(), wardenerr.CodeStoreFailure, "iterating grant rows")
}

func (s *GrantStore) Revoke(ctx context.Context, pluginID, permission string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM grants WHERE plugin_id = ? AND permission = ?`, pluginID, permission)
	return wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "revoking grant")
}

func (s *GrantStore) RevokeAll(ctx context.Context, pluginID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM grants WHERE plugin_id = ?`, pluginID)
	return wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "revoking all grants")
}

func (s *GrantStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

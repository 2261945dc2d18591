// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// AuditStore is the sqlite-backed store.AuditStore. It shares the database
// connection with the GrantStore created by the same backend factory.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (or creates) the database at path with its own
// connection.
func NewAuditStore(path string) (*AuditStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &AuditStore{db: db}, nil
}

func (s *AuditStore) Append(ctx context.Context, entry *store.AuditEntry) error {
	if entry.PluginID == "" || entry.Action == "" {
		return wardenerr.New(wardenerr.CodeStoreInvalidInput, "audit entry requires plugin id and action")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, plugin_id, action, detail, result)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UnixMilli(), entry.PluginID, entry.Action, entry.Detail, entry.Result)
	return wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "appending audit entry")
}

func (s *AuditStore) Query(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	if filter.PluginID != "" {
		conds = append(conds, "plugin_id = ?")
		args = append(args, filter.PluginID)
	}
	if filter.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Result != "" {
		conds = append(conds, "result = ?")
		args = append(args, filter.Result)
	}
	if !filter.From.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, filter.To.UnixMilli())
	}

	query := "SELECT id, ts, plugin_id, action, detail, result FROM audit_log"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "querying audit log")
	}
	defer rows.Close()

	var out []*store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.PluginID, &e.Action, &e.Detail, &e.Result); err != nil {
			return nil, wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "scanning audit row")
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, &e)
	}

	return out, wardenerr.Wrap(rows.Err(), wardenerr.CodeStoreFailure, "iterating audit rows")
}

func (s *AuditStore) CountViolations(ctx context.Context, pluginID string, since time.Time) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_log
		WHERE plugin_id = ? AND result = 'denied' AND ts >= ?`,
		pluginID, since.UnixMilli())

	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, wardenerr.Wrap(err, wardenerr.CodeStoreFailure, "counting violations")
	}
	return count, nil
}

// Close is a no-op when the connection is shared with the GrantStore.
func (s *AuditStore) Close() error { return nil }

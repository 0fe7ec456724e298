package coord

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteStore keeps coordination entries in the same database as the
// task graph, in the coord_entries table. Expired rows stay in place
// until reclaimed by the next SetNX or a sweep.
type SQLiteStore struct {
	DB *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{DB: db}
}

func (s *SQLiteStore) SetNX(ctx context.Context, key, ownerID string, now, expiresAt time.Time) (Entry, bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `INSERT INTO coord_entries(key, owner_id, acquired_at, expires_at)
VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE coord_entries.expires_at <= ?`,
		key, ownerID, nowStr, expiresAt.UTC().Format(time.RFC3339), nowStr)
	if err != nil {
		return Entry{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := s.Get(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, error) {
	var e Entry
	var acquired, expires string
	err := s.DB.QueryRowContext(ctx, `SELECT key, owner_id, acquired_at, expires_at FROM coord_entries WHERE key=?`, key).
		Scan(&e.Key, &e.OwnerID, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotHeld
	}
	if err != nil {
		return Entry{}, err
	}
	return parseEntry(e, acquired, expires)
}

func (s *SQLiteStore) Renew(ctx context.Context, key, ownerID string, now, expiresAt time.Time) (Entry, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE coord_entries SET expires_at=? WHERE key=? AND owner_id=? AND expires_at > ?`,
		expiresAt.UTC().Format(time.RFC3339), key, ownerID, now.UTC().Format(time.RFC3339))
	if err != nil {
		return Entry{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, err
	}
	if n == 0 {
		return Entry{}, ErrNotHeld
	}
	return s.Get(ctx, key)
}

func (s *SQLiteStore) Release(ctx context.Context, key, ownerID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM coord_entries WHERE key=? AND owner_id=?`, key, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, owner_id, acquired_at, expires_at FROM coord_entries WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var acquired, expires string
		if err := rows.Scan(&e.Key, &e.OwnerID, &acquired, &expires); err != nil {
			return nil, err
		}
		e, err = parseEntry(e, acquired, expires)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func parseEntry(e Entry, acquired, expires string) (Entry, error) {
	var err error
	e.AcquiredAt, err = time.Parse(time.RFC3339, acquired)
	if err != nil {
		return Entry{}, err
	}
	e.ExpiresAt, err = time.Parse(time.RFC3339, expires)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+2)
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, prefix[i])
	}
	return string(escaped) + "%"
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// TokenStore implements storage.TokenStore using SQLite.
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore creates a SQLite-backed TokenStore.
func NewTokenStore(db *Database) *TokenStore {
	return &TokenStore{db: db.DB()}
}

var _ storage.TokenStore = (*TokenStore)(nil)

// tokenColumns is the SELECT column list shared by all token queries.
const tokenColumns = `key, hash, username, token_type, token_name, scopes,
	service, created, expires, parent`

// Create inserts the history entry and the token row in one transaction.
func (s *TokenStore) Create(ctx context.Context, data *token.Data, history *token.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := insertHistory(ctx, tx, history); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token (
			key, hash, username, token_type, token_name, scopes,
			service, created, expires, parent
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		data.Key,
		data.SecretHash,
		data.Username,
		string(data.Kind),
		nullString(data.TokenName),
		strings.Join(data.Scopes, ","),
		nullString(data.Service),
		data.Created.Unix(),
		nullTime(data.Expires),
		nullString(data.Parent),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Get retrieves the stored record for a token key. User info is not
// stored in SQL, so the returned record carries only the username.
func (s *TokenStore) Get(ctx context.Context, key string) (*token.Data, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM token WHERE key = ?`, key)
	return scanToken(row)
}

// GetInfo retrieves the public projection for a token key.
func (s *TokenStore) GetInfo(ctx context.Context, key string) (*token.Info, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return data.Info(), nil
}

// List returns token info for one user, or all users when username is
// empty, newest first.
func (s *TokenStore) List(ctx context.Context, username string) ([]*token.Info, error) {
	query := `SELECT ` + tokenColumns + ` FROM token`
	var args []any
	if username != "" {
		query += ` WHERE username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY created DESC, key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var infos []*token.Info
	for rows.Next() {
		data, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		infos = append(infos, data.Info())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}
	return infos, nil
}

// Children returns the keys of the direct children of a token.
func (s *TokenStore) Children(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM token WHERE parent = ? ORDER BY created, key`, key)
	if err != nil {
		return nil, fmt.Errorf("querying children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, fmt.Errorf("scanning child key: %w", err)
		}
		keys = append(keys, child)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating child rows: %w", err)
	}
	return keys, nil
}

// FindChild returns a live child of parentKey matching kind, service, and
// exact scope set, preferring the longest-lived candidate.
func (s *TokenStore) FindChild(ctx context.Context, parentKey string, kind token.Kind,
	service string, scopes []string, notBefore time.Time) (*token.Data, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM token
		WHERE parent = ? AND token_type = ?
		  AND COALESCE(service, '') = ?
		  AND scopes = ?
		  AND (expires IS NULL OR expires >= ?)
		ORDER BY expires IS NULL DESC, expires DESC
		LIMIT 1`,
		parentKey, string(kind), service, strings.Join(scopes, ","), notBefore.Unix())
	return scanToken(row)
}

// Update rewrites the mutable fields of an existing row and records the
// history entry in the same transaction.
func (s *TokenStore) Update(ctx context.Context, data *token.Data, history *token.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := insertHistory(ctx, tx, history); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE token SET token_name = ?, scopes = ?, expires = ?
		WHERE key = ?`,
		nullString(data.TokenName),
		strings.Join(data.Scopes, ","),
		nullTime(data.Expires),
		data.Key,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("updating token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Delete removes a token row, reporting whether it existed. The history
// entry is only recorded when a row was deleted.
func (s *TokenStore) Delete(ctx context.Context, key string, history *token.HistoryEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM token WHERE key = ?`, key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking token: %w", err)
	}

	if err := insertHistory(ctx, tx, history); err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM token WHERE key = ?`, key); err != nil {
		return false, fmt.Errorf("deleting token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return true, nil
}

// History returns the change history for a token key, oldest first.
func (s *TokenStore) History(ctx context.Context, key string) ([]*token.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, username, action, actor, ip_address, event_time,
			old_change, new_change
		FROM token_change_history
		WHERE token = ?
		ORDER BY event_time, id`, key)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*token.HistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return entries, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

// scanToken scans a token row into a Data record without user info.
func scanToken(sc scanner) (*token.Data, error) {
	var (
		data      token.Data
		kind      string
		tokenName sql.NullString
		scopes    string
		service   sql.NullString
		created   int64
		expires   sql.NullInt64
		parent    sql.NullString
	)

	err := sc.Scan(
		&data.Key, &data.SecretHash, &data.Username, &kind, &tokenName,
		&scopes, &service, &created, &expires, &parent,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning token row: %w", err)
	}

	data.Kind = token.Kind(kind)
	data.TokenName = tokenName.String
	data.Scopes = splitScopes(scopes)
	data.Service = service.String
	data.Created = time.Unix(created, 0).UTC()
	if expires.Valid {
		t := time.Unix(expires.Int64, 0).UTC()
		data.Expires = &t
	}
	data.Parent = parent.String
	return &data, nil
}

// scanHistory scans a history row, decoding the JSON change snapshots.
func scanHistory(sc scanner) (*token.HistoryEntry, error) {
	var (
		entry     token.HistoryEntry
		action    string
		ip        sql.NullString
		eventTime int64
		oldChange sql.NullString
		newChange sql.NullString
	)

	err := sc.Scan(
		&entry.TokenKey, &entry.Username, &action, &entry.Actor, &ip,
		&eventTime, &oldChange, &newChange,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning history row: %w", err)
	}

	entry.Action = token.Action(action)
	entry.IP = ip.String
	entry.EventTime = time.Unix(eventTime, 0).UTC()
	if entry.Old, err = decodeChange(oldChange); err != nil {
		return nil, err
	}
	if entry.New, err = decodeChange(newChange); err != nil {
		return nil, err
	}
	return &entry, nil
}

// insertHistory writes one history row within a transaction.
func insertHistory(ctx context.Context, tx *sql.Tx, h *token.HistoryEntry) error {
	oldChange, err := encodeChange(h.Old)
	if err != nil {
		return err
	}
	newChange, err := encodeChange(h.New)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_change_history (
			token, username, action, actor, ip_address, event_time,
			old_change, new_change
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.TokenKey,
		h.Username,
		string(h.Action),
		h.Actor,
		nullString(h.IP),
		h.EventTime.Unix(),
		oldChange,
		newChange,
	)
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	return nil
}

func encodeChange(c *token.Change) (any, error) {
	if c == nil {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding change snapshot: %w", err)
	}
	return string(data), nil
}

func decodeChange(raw sql.NullString) (*token.Change, error) {
	if !raw.Valid {
		return nil, nil
	}
	var c token.Change
	if err := json.Unmarshal([]byte(raw.String), &c); err != nil {
		return nil, fmt.Errorf("decoding change snapshot: %w", err)
	}
	return &c, nil
}

// splitScopes expands the comma-joined scope column.
func splitScopes(joined string) []string {
	if joined == "" {
		return []string{}
	}
	return strings.Split(joined, ",")
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime maps a nil time to SQL NULL, otherwise Unix seconds.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

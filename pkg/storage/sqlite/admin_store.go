package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
)

// AdminStore implements storage.AdminStore using SQLite.
type AdminStore struct {
	db *sql.DB
}

// NewAdminStore creates a SQLite-backed AdminStore.
func NewAdminStore(db *Database) *AdminStore {
	return &AdminStore{db: db.DB()}
}

var _ storage.AdminStore = (*AdminStore)(nil)

// Add inserts a username into the admin table.
func (s *AdminStore) Add(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin (username) VALUES (?)`, username)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting admin: %w", err)
	}
	return nil
}

// Remove deletes a username from the admin table.
func (s *AdminStore) Remove(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM admin WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("deleting admin: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List returns all admin usernames, sorted.
func (s *AdminStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username FROM admin ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("querying admins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var admins []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scanning admin row: %w", err)
		}
		admins = append(admins, username)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating admin rows: %w", err)
	}
	return admins, nil
}

// IsAdmin reports whether the username is an admin.
func (s *AdminStore) IsAdmin(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM admin WHERE username = ?`, username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying admin: %w", err)
	}
	return true, nil
}

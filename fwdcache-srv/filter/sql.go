package filter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
	"github.com/codefionn/fwdcache/fwdcache-srv/store"
)

// SQLStore reads the filters table.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates a store on db. The schema must already exist.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// IsBlacklisted reports whether host has a blacklist row.
func (s *SQLStore) IsBlacklisted(ctx context.Context, host string) (bool, error) {
	return s.contains(ctx, host, Blacklist)
}

// IsWhitelisted reports whether host has a whitelist row.
func (s *SQLStore) IsWhitelisted(ctx context.Context, host string) (bool, error) {
	return s.contains(ctx, host, Whitelist)
}

func (s *SQLStore) contains(ctx context.Context, host string, kind Kind) (bool, error) {
	var one int
	err := s.db.ScanRow(ctx,
		`SELECT 1 FROM filters WHERE address = ? AND type = ? LIMIT 1`,
		[]any{host, string(kind)}, &one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	return true, nil
}

// Add inserts address into the list. Adding an existing entry is a no-op.
func (s *SQLStore) Add(ctx context.Context, address string, kind Kind) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO filters (address, type) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		address, string(kind))
	if err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", address, kind, err)
	}
	logger.Info("Added %s to %s", address, kind)
	return nil
}

// Remove deletes address from the list.
func (s *SQLStore) Remove(ctx context.Context, address string, kind Kind) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM filters WHERE address = ? AND type = ?`,
		address, string(kind))
	if err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", address, kind, err)
	}
	logger.Info("Removed %s from %s", address, kind)
	return nil
}

// List returns the addresses of one list in insertion order.
func (s *SQLStore) List(ctx context.Context, kind Kind) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT address FROM filters WHERE type = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.Error("Error closing rows: %v", closeErr)
		}
	}()

	var addresses []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("failed to scan %s entry: %w", kind, err)
		}
		addresses = append(addresses, address)
	}
	return addresses, rows.Err()
}

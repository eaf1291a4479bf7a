package store

import (
	"fmt"

	"partyoverlay/internal/models"
)

// RecordProviderOp appends op to the journal and prunes it to the configured
// bound.
func (s *Store) RecordProviderOp(op models.ProviderOp) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO provider_ops (id, op, track_id, error, duration_ms, at) VALUES (?, ?, ?, ?, ?, ?)`,
		op.ID, op.Op, op.TrackID, op.Error, op.Duration, formatTime(op.At))
	if err != nil {
		return fmt.Errorf("recording provider op: %w", err)
	}
	_, err = tx.Exec(`DELETE FROM provider_ops WHERE rowid NOT IN (
		SELECT rowid FROM provider_ops ORDER BY at DESC, rowid DESC LIMIT ?)`, s.opsLimit)
	if err != nil {
		return fmt.Errorf("pruning provider ops: %w", err)
	}
	return tx.Commit()
}

// ListProviderOps returns up to limit journal entries, newest first.
func (s *Store) ListProviderOps(limit int) ([]models.ProviderOp, error) {
	if limit <= 0 || limit > s.opsLimit {
		limit = s.opsLimit
	}
	rows, err := s.db.Query(`SELECT id, op, track_id, error, duration_ms, at FROM provider_ops
		ORDER BY at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing provider ops: %w", err)
	}
	defer rows.Close()

	ops := []models.ProviderOp{}
	for rows.Next() {
		var op models.ProviderOp
		var at string
		if err := rows.Scan(&op.ID, &op.Op, &op.TrackID, &op.Error, &op.Duration, &at); err != nil {
			return nil, fmt.Errorf("scanning provider op: %w", err)
		}
		if op.At, err = parseTime(at); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

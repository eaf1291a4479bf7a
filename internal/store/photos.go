package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"partyoverlay/internal/models"
)

// PhotoCursor returns the highest photo id fetched by the poller, 0 when the
// poller has not run yet. Pushed photos never move it.
func (s *Store) PhotoCursor() (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT after_id FROM photo_cursor WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading photo cursor: %w", err)
	}
	return id, nil
}

// SavePhotoCursor records the poll position. The stored cursor never moves
// backwards.
func (s *Store) SavePhotoCursor(afterID int64) error {
	_, err := s.db.Exec(`INSERT INTO photo_cursor (id, after_id, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET after_id = MAX(after_id, excluded.after_id), updated_at = excluded.updated_at`,
		afterID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving photo cursor: %w", err)
	}
	return nil
}

// MarkPhotoSeen records a photo. It reports false when the id was already
// recorded.
func (s *Store) MarkPhotoSeen(p models.PhotoEvent) (bool, error) {
	if p.ID == 0 {
		return true, nil
	}
	res, err := s.db.Exec(`INSERT OR IGNORE INTO photos_seen (id, url, name, added_by, seen_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.URL, p.Name, p.AddedBy, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("recording photo %d: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

package engine

import (
	"time"

	"partyoverlay/internal/models"
)

// Snapshot is the display view of the engine: what the server wants playing
// and what the engine believes the provider is doing.
type Snapshot struct {
	State           State                  `json:"state"`
	Mode            Mode                   `json:"mode,omitempty"`
	Version         int64                  `json:"version"`
	Applied         uint64                 `json:"applied"`
	Playing         bool                   `json:"playing"`
	Index           int                    `json:"index"`
	Current         *models.Track          `json:"current,omitempty"`
	Playlist        []models.Track         `json:"playlist"`
	TargetTrackID   string                 `json:"target_track_id,omitempty"`
	BelievedTrackID string                 `json:"believed_track_id,omitempty"`
	BelievedPlaying bool                   `json:"believed_playing"`
	Pending         models.PendingPlayback `json:"pending"`
	Queued          []string               `json:"queued"`
	LastError       string                 `json:"last_error,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

func (e *Engine) Snapshot() Snapshot {
	queued := e.queue.Queued()

	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		State:           e.state,
		Mode:            e.mode,
		Version:         e.lastSeenVersion,
		Applied:         e.applied,
		Index:           -1,
		Playlist:        []models.Track{},
		TargetTrackID:   e.summary.TargetTrackID,
		BelievedTrackID: e.believedTrackID,
		BelievedPlaying: e.believedPlaying,
		Pending:         e.pending,
		Queued:          queued,
		UpdatedAt:       e.updatedAt,
	}
	if e.frame != nil {
		s.Playing = e.frame.Playing
		s.Index = e.frame.ClampedIndex()
		s.Current = e.frame.Target()
		if e.frame.Playlist != nil {
			s.Playlist = e.frame.Playlist
		}
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}

func (e *Engine) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 1)
	e.subMu.Lock()
	e.subscribers[ch] = struct{}{}
	e.subMu.Unlock()
	return ch
}

func (e *Engine) Unsubscribe(ch chan Snapshot) {
	e.subMu.Lock()
	_, exists := e.subscribers[ch]
	delete(e.subscribers, ch)
	e.subMu.Unlock()
	if exists {
		close(ch)
	}
}

func (e *Engine) publish() {
	snap := e.Snapshot()
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

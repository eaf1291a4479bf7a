package provider

import (
	"sync"
	"time"
)

// SessionInfo is a read-only view of the provider session.
type SessionInfo struct {
	DeviceID       string    `json:"device_id,omitempty"`
	LastTrackID    string    `json:"last_track_id,omitempty"`
	LastPlaying    bool      `json:"last_playing"`
	Disabled       bool      `json:"disabled"`
	DisabledReason string    `json:"disabled_reason,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
}

// Session tracks the remote player device and the last observed provider
// state. Once disabled it stays disabled until Reset.
type Session struct {
	mu            sync.RWMutex
	deviceID      string
	transferredTo string
	lastTrackID   string
	lastPlaying   bool
	disabled      error
}

func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// Disabled returns the error that latched the session, if any.
func (s *Session) Disabled() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disabled
}

func (s *Session) disable(err error) {
	s.mu.Lock()
	if s.disabled == nil {
		s.disabled = err
	}
	s.deviceID = ""
	s.mu.Unlock()
}

func (s *Session) setDevice(id string) {
	s.mu.Lock()
	if s.deviceID != id {
		s.transferredTo = ""
	}
	s.deviceID = id
	s.mu.Unlock()
}

func (s *Session) clearDevice() {
	s.mu.Lock()
	s.deviceID = ""
	s.transferredTo = ""
	s.mu.Unlock()
}

func (s *Session) needsTransfer(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transferredTo != id
}

func (s *Session) markTransferred(id string) {
	s.mu.Lock()
	s.transferredTo = id
	s.mu.Unlock()
}

func (s *Session) observe(trackID string, playing bool) {
	s.mu.Lock()
	if trackID != "" {
		s.lastTrackID = trackID
	}
	s.lastPlaying = playing
	s.mu.Unlock()
}

func (s *Session) setPlaying(playing bool) {
	s.mu.Lock()
	s.lastPlaying = playing
	s.mu.Unlock()
}

func (s *Session) reset() {
	s.mu.Lock()
	s.deviceID = ""
	s.transferredTo = ""
	s.lastTrackID = ""
	s.lastPlaying = false
	s.disabled = nil
	s.mu.Unlock()
}

func (s *Session) info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := SessionInfo{
		DeviceID:    s.deviceID,
		LastTrackID: s.lastTrackID,
		LastPlaying: s.lastPlaying,
		Disabled:    s.disabled != nil,
	}
	if s.disabled != nil {
		info.DisabledReason = s.disabled.Error()
	}
	return info
}

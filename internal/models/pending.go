package models

import "encoding/json"

// PendingPlayback is a playback intent that failed and waits for a user
// gesture to retry. It is a closed sum: NoPending, PendingAudio or
// PendingProviderTrack.
type PendingPlayback interface {
	pendingPlayback()
}

type NoPending struct{}

// PendingAudio retries direct media playback of Src.
type PendingAudio struct {
	Src string
}

// PendingProviderTrack retries provider playback of TrackID.
type PendingProviderTrack struct {
	TrackID string
}

func (NoPending) pendingPlayback()            {}
func (PendingAudio) pendingPlayback()         {}
func (PendingProviderTrack) pendingPlayback() {}

func (NoPending) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"kind": "none"})
}

func (p PendingAudio) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"kind": "audio", "src": p.Src})
}

func (p PendingProviderTrack) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"kind": "spotify_track", "id": p.TrackID})
}

// HasPending reports whether p holds a retryable intent.
func HasPending(p PendingPlayback) bool {
	switch p.(type) {
	case PendingAudio, PendingProviderTrack:
		return true
	default:
		return false
	}
}

package models

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"
)

var ErrNotStateFrame = errors.New("not a state frame")

const (
	FrameTypeState    = "state"
	FrameTypePlaylist = "playlist"
	FrameTypePong     = "pong"
	FrameTypeError    = "error"
)

var (
	spotifyTrackURLRe = regexp.MustCompile(`(?:https?://)?(?:open\.)?spotify\.com/(?:intl-[a-z]+/)?track/([a-zA-Z0-9]+)`)
	spotifyTrackURIRe = regexp.MustCompile(`^spotify:track:([a-zA-Z0-9]+)$`)
)

// Track is one playlist entry as pushed by the party backend. It is never
// mutated after decoding.
type Track struct {
	ID              int64  `json:"id"`
	ProviderTrackID string `json:"spotify_id"`
	Name            string `json:"name"`
	Artist          string `json:"artist"`
	URL             string `json:"url,omitempty"`
	AddedBy         int64  `json:"added_by"`
	AddedAt         string `json:"added_at,omitempty"`
}

// ProviderID returns the provider track id, falling back to an id embedded in
// the track URL (open.spotify.com link or spotify:track: URI).
func (t Track) ProviderID() string {
	if id := strings.TrimSpace(t.ProviderTrackID); id != "" {
		return id
	}
	return ParseProviderTrackID(t.URL)
}

// DirectAudioURL returns the URL to hand to a plain media element, or "" when
// the track must be played through the provider.
func (t Track) DirectAudioURL() string {
	u := strings.TrimSpace(t.URL)
	if u == "" || ParseProviderTrackID(u) != "" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return ""
	}
	return u
}

// AddedTime parses AddedAt, which the backend emits either with or without a
// zone offset.
func (t Track) AddedTime() (time.Time, bool) {
	if t.AddedAt == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, t.AddedAt); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseProviderTrackID extracts a Spotify track id from a share link or URI.
func ParseProviderTrackID(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return ""
	}
	if m := spotifyTrackURIRe.FindStringSubmatch(t); len(m) > 1 {
		return m[1]
	}
	if m := spotifyTrackURLRe.FindStringSubmatch(t); len(m) > 1 {
		return m[1]
	}
	return ""
}

// StateFrame is the authoritative playback state pushed by the server. A frame
// without a version (or version 0) is a legacy frame.
type StateFrame struct {
	Type     string  `json:"type"`
	Version  int64   `json:"version"`
	Playing  bool    `json:"playing"`
	Index    *int    `json:"index"`
	Current  *Track  `json:"current"`
	Playlist []Track `json:"playlist"`
}

// ParseStateFrame decodes a state frame. Frames typed as something other than
// "state" are rejected; untyped frames are accepted only if they carry a
// playlist or a current track.
func ParseStateFrame(data []byte) (StateFrame, error) {
	var f StateFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return StateFrame{}, err
	}
	switch f.Type {
	case FrameTypeState:
		return f, nil
	case "":
		if f.Playlist != nil || f.Current != nil {
			return f, nil
		}
	}
	return StateFrame{}, ErrNotStateFrame
}

// Legacy reports whether the frame predates versioning.
func (f StateFrame) Legacy() bool {
	return f.Version == 0
}

// ClampedIndex returns the declared index clamped into the playlist, or -1
// for an empty playlist. A missing index counts as 0.
func (f StateFrame) ClampedIndex() int {
	return ClampIndex(f.Index, len(f.Playlist))
}

// Target is the track the server wants audible: the playlist entry at the
// clamped index, or the lone current track when the playlist is empty.
func (f StateFrame) Target() *Track {
	if i := f.ClampedIndex(); i >= 0 {
		t := f.Playlist[i]
		return &t
	}
	return f.Current
}

func ClampIndex(idx *int, n int) int {
	if n <= 0 {
		return -1
	}
	i := 0
	if idx != nil {
		i = *idx
	}
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}

// QueueSummary is derived from a StateFrame by the preloader; it is never
// transmitted.
type QueueSummary struct {
	PlaylistIDs       []string `json:"playlist_ids"`
	PlaylistIndex     int      `json:"playlist_index"`
	TargetTrackID     string   `json:"target_track_id,omitempty"`
	SequentialAdvance bool     `json:"sequential_advance"`
}

// PhotoEvent is a photo to show on the overlay, from the push stream or the
// photo poller.
type PhotoEvent struct {
	ID      int64  `json:"id,omitempty"`
	URL     string `json:"url"`
	Name    string `json:"name,omitempty"`
	AddedBy int64  `json:"added_by,omitempty"`
	Source  string `json:"source"`
}

const (
	PhotoSourcePush = "push"
	PhotoSourcePoll = "poll"
)

// ProviderOp is one journaled provider mutation.
type ProviderOp struct {
	ID       string    `json:"id"`
	Op       string    `json:"op"`
	TrackID  string    `json:"track_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	Duration int64     `json:"duration_ms"`
	At       time.Time `json:"at"`
}

const (
	OpRegisterDevice = "register_device"
	OpGetState       = "get_state"
	OpPing           = "ping"
)

// ControlFrame is an outbound message to the party backend.
type ControlFrame struct {
	Op       string `json:"op"`
	DeviceID string `json:"device_id,omitempty"`
}

package provider

import "context"

type EventKind string

const (
	EventReady               EventKind = "ready"
	EventNotReady            EventKind = "not_ready"
	EventStateChanged        EventKind = "state_changed"
	EventInitializationError EventKind = "initialization_error"
	EventAuthenticationError EventKind = "authentication_error"
	EventAccountError        EventKind = "account_error"
	EventPlaybackError       EventKind = "playback_error"
)

// PlayerEvent is emitted by a connected Player.
type PlayerEvent struct {
	Kind     EventKind
	DeviceID string
	TrackID  string
	Paused   bool
	Err      error
}

// errorKind maps error events to their Kind; ok is false for non-error events.
func (e PlayerEvent) errorKind() (Kind, bool) {
	switch e.Kind {
	case EventInitializationError:
		return KindInitialization, true
	case EventAuthenticationError:
		return KindAuthentication, true
	case EventAccountError:
		return KindAccount, true
	case EventPlaybackError:
		return KindPlayback, true
	}
	return "", false
}

// SDK loads the provider runtime and creates players from it.
type SDK interface {
	Load(ctx context.Context) error
	NewPlayer(name string, tokens TokenFunc) Player
}

// Player is a provider playback device. Connect starts emitting events on the
// returned channel, which is closed when the player stops.
type Player interface {
	Connect(ctx context.Context) (<-chan PlayerEvent, error)
	Close() error
}

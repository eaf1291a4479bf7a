package provider

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/zmb3/spotify/v2"

	"partyoverlay/internal/backend"
)

var (
	ErrNoDevice         = errors.New("no active playback device")
	ErrRefreshThrottled = errors.New("token refresh throttled")
	ErrSessionDisabled  = errors.New("provider session disabled")
)

// Kind groups provider failures by how the caller should react.
type Kind string

const (
	KindInitialization Kind = "initialization"
	KindAuthentication Kind = "authentication"
	KindAccount        Kind = "account"
	KindPlayback       Kind = "playback"
	KindTransient      Kind = "transient"
)

// Terminal kinds latch the session: no activation is retried afterwards.
func (k Kind) Terminal() bool {
	switch k {
	case KindInitialization, KindAuthentication, KindAccount:
		return true
	}
	return false
}

// Error is the typed error returned by every adapter operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err, KindTransient for untyped errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// apiStatus extracts the HTTP status from a Spotify Web API error, or 0.
func apiStatus(err error) int {
	var se spotify.Error
	if errors.As(err, &se) {
		return se.Status
	}
	var sp *spotify.Error
	if errors.As(err, &sp) && sp != nil {
		return sp.Status
	}
	return 0
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	kind := KindTransient
	switch status := apiStatus(err); {
	case errors.Is(err, backend.ErrBadCredential), errors.Is(err, backend.ErrNotConnected):
		kind = KindAuthentication
	case errors.Is(err, ErrNoDevice):
		kind = KindPlayback
	case status == http.StatusUnauthorized:
		kind = KindAuthentication
	case status == http.StatusBadRequest, status == http.StatusForbidden, status == http.StatusNotFound:
		kind = KindPlayback
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

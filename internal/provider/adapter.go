package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zmb3/spotify/v2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLoadTimeout  = 10 * time.Second
	DefaultReadyTimeout = 12 * time.Second
	DefaultDeviceName   = "Party Overlay"
)

// Adapter controls the external playback provider: it activates the remote
// player, issues playback commands against it and reports its state.
type Adapter struct {
	sdk          SDK
	tokens       *TokenSource
	api          *spotify.Client
	session      Session
	deviceName   string
	loadTimeout  time.Duration
	readyTimeout time.Duration

	group  singleflight.Group
	events chan PlayerEvent

	mu     sync.Mutex
	loaded bool
	player Player

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Adapter)

func WithDeviceName(name string) Option {
	return func(a *Adapter) { a.deviceName = name }
}

func WithLoadTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.loadTimeout = d }
}

func WithReadyTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.readyTimeout = d }
}

// WithAPI overrides the Web API client used for playback commands.
func WithAPI(c *spotify.Client) Option {
	return func(a *Adapter) { a.api = c }
}

func New(sdk SDK, tokens *TokenSource, opts ...Option) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		sdk:          sdk,
		tokens:       tokens,
		deviceName:   DefaultDeviceName,
		loadTimeout:  DefaultLoadTimeout,
		readyTimeout: DefaultReadyTimeout,
		events:       make(chan PlayerEvent, 16),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(a)
	}
	if a.api == nil {
		a.api = NewConnectSDK(tokens.Func()).Client(tokens.Func())
	}
	return a
}

// Events delivers ready and state-change notifications from the player.
// Events are dropped when nobody is reading.
func (a *Adapter) Events() <-chan PlayerEvent {
	return a.events
}

// Close stops the current player.
func (a *Adapter) Close() {
	a.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.player != nil {
		a.player.Close()
		a.player = nil
	}
}

// GetAccessToken returns a usable token, or "" when none can be obtained.
func (a *Adapter) GetAccessToken(ctx context.Context) string {
	tok, err := a.tokens.Token(ctx, false)
	if err != nil {
		log.Printf("provider: access token: %v", err)
		return ""
	}
	return tok
}

func (a *Adapter) DeviceID() string {
	return a.session.DeviceID()
}

func (a *Adapter) Session() SessionInfo {
	info := a.session.info()
	info.TokenExpiresAt = a.tokens.ExpiresAt()
	return info
}

// Reset clears a latched session so activation can be attempted again.
func (a *Adapter) Reset() {
	a.mu.Lock()
	if a.player != nil {
		a.player.Close()
		a.player = nil
	}
	a.loaded = false
	a.mu.Unlock()
	a.session.reset()
	log.Printf("provider: session reset")
}

// EnsureSessionReady makes sure a ready remote device exists. It returns
// false immediately once the session has been disabled by a fatal error.
func (a *Adapter) EnsureSessionReady(ctx context.Context) bool {
	if a.session.Disabled() != nil {
		return false
	}
	if a.session.DeviceID() != "" {
		return true
	}
	_, err, _ := a.group.Do("activate", func() (any, error) {
		return nil, a.activate(ctx)
	})
	if err != nil {
		log.Printf("provider: session not ready: %v", err)
		return false
	}
	return true
}

func (a *Adapter) activate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.readyTimeout)
	defer cancel()

	if err := a.load(ctx); err != nil {
		a.latch(err)
		return err
	}

	player := a.sdk.NewPlayer(a.deviceName, a.tokens.Func())
	a.mu.Lock()
	if a.player != nil {
		a.player.Close()
	}
	a.player = player
	a.mu.Unlock()

	events, err := player.Connect(a.ctx)
	if err != nil {
		err = &Error{Op: "connect", Kind: KindInitialization, Err: err}
		a.latch(err)
		return err
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return &Error{Op: "ready", Kind: KindTransient, Err: errors.New("player closed before ready")}
			}
			if ev.Kind == EventReady {
				a.session.setDevice(ev.DeviceID)
				log.Printf("provider: device %s ready", ev.DeviceID)
				a.publish(ev)
				go a.forward(player, events)
				return nil
			}
			if kind, isErr := ev.errorKind(); isErr && kind.Terminal() {
				err := &Error{Op: "ready", Kind: kind, Err: ev.Err}
				a.latch(err)
				player.Close()
				return err
			}
		case <-ctx.Done():
			player.Close()
			return &Error{Op: "ready", Kind: KindTransient,
				Err: fmt.Errorf("no ready device within %s: %w", a.readyTimeout, ctx.Err())}
		}
	}
}

func (a *Adapter) load(ctx context.Context) error {
	a.mu.Lock()
	loaded := a.loaded
	a.mu.Unlock()
	if loaded {
		return nil
	}

	_, err, _ := a.group.Do("load", func() (any, error) {
		lctx, cancel := context.WithTimeout(ctx, a.loadTimeout)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- a.sdk.Load(lctx) }()
		select {
		case err := <-done:
			if err != nil {
				return nil, wrap("load", err)
			}
		case <-lctx.Done():
			return nil, &Error{Op: "load", Kind: KindTransient,
				Err: fmt.Errorf("sdk load timed out: %w", lctx.Err())}
		}
		a.mu.Lock()
		a.loaded = true
		a.mu.Unlock()
		return nil, nil
	})
	return err
}

func (a *Adapter) latch(err error) {
	if !KindOf(err).Terminal() {
		return
	}
	a.session.disable(err)
	log.Printf("provider: session disabled: %v", err)
}

func (a *Adapter) forward(player Player, events <-chan PlayerEvent) {
	for ev := range events {
		switch ev.Kind {
		case EventStateChanged:
			a.session.observe(ev.TrackID, !ev.Paused)
		case EventReady:
			a.session.setDevice(ev.DeviceID)
		case EventNotReady:
			log.Printf("provider: device went away")
			a.session.clearDevice()
		default:
			if kind, isErr := ev.errorKind(); isErr {
				err := &Error{Op: "player", Kind: kind, Err: ev.Err}
				log.Printf("provider: %v", err)
				a.latch(err)
			}
		}
		a.publish(ev)
	}

	a.mu.Lock()
	current := a.player == player
	a.mu.Unlock()
	if current {
		a.session.clearDevice()
	}
}

func (a *Adapter) publish(ev PlayerEvent) {
	select {
	case a.events <- ev:
	default:
	}
}

// Play starts trackID on the session device, transferring playback there first.
func (a *Adapter) Play(ctx context.Context, trackID string) error {
	deviceID := a.session.DeviceID()
	if deviceID == "" {
		return wrap("play", ErrNoDevice)
	}
	id := spotify.ID(deviceID)
	if a.session.needsTransfer(deviceID) {
		if err := a.api.TransferPlayback(ctx, id, false); err != nil {
			log.Printf("provider: transfer playback to %s: %v", deviceID, err)
		} else {
			a.session.markTransferred(deviceID)
		}
	}
	err := a.withAuthRetry(ctx, "play", func() error {
		return a.api.PlayOpt(ctx, &spotify.PlayOptions{
			DeviceID: &id,
			URIs:     []spotify.URI{trackURI(trackID)},
		})
	})
	if err == nil {
		a.session.observe(trackID, true)
	}
	return err
}

// Pause is a no-op without a device.
func (a *Adapter) Pause(ctx context.Context) error {
	deviceID := a.session.DeviceID()
	if deviceID == "" {
		return nil
	}
	id := spotify.ID(deviceID)
	err := a.withAuthRetry(ctx, "pause", func() error {
		return a.api.PauseOpt(ctx, &spotify.PlayOptions{DeviceID: &id})
	})
	if err == nil {
		a.session.setPlaying(false)
	}
	return err
}

// SkipNext advances the provider queue. It is a no-op without a device.
func (a *Adapter) SkipNext(ctx context.Context) error {
	deviceID := a.session.DeviceID()
	if deviceID == "" {
		return nil
	}
	id := spotify.ID(deviceID)
	return a.withAuthRetry(ctx, "next", func() error {
		return a.api.NextOpt(ctx, &spotify.PlayOptions{DeviceID: &id})
	})
}

func (a *Adapter) Enqueue(ctx context.Context, trackID string) error {
	deviceID := a.session.DeviceID()
	if deviceID == "" {
		return wrap("enqueue", ErrNoDevice)
	}
	id := spotify.ID(deviceID)
	return a.withAuthRetry(ctx, "enqueue", func() error {
		return a.api.QueueSongOpt(ctx, spotify.ID(trackID), &spotify.PlayOptions{DeviceID: &id})
	})
}

// CurrentTrack returns the provider's current track id, "" when unknown.
func (a *Adapter) CurrentTrack(ctx context.Context) (string, error) {
	if a.session.DeviceID() == "" {
		return "", nil
	}
	var track string
	err := a.withAuthRetry(ctx, "current", func() error {
		cp, err := a.api.PlayerCurrentlyPlaying(ctx)
		if err != nil {
			return err
		}
		track = ""
		if cp != nil && cp.Item != nil {
			track = string(cp.Item.ID)
		}
		return nil
	})
	return track, err
}

// withAuthRetry runs fn and, on an authentication failure, forces a token
// refresh and runs it once more.
func (a *Adapter) withAuthRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if KindOf(wrap(op, err)) != KindAuthentication || a.tokens.static != "" {
		return wrap(op, err)
	}
	if _, terr := a.tokens.Token(ctx, true); terr != nil {
		return wrap(op, terr)
	}
	return wrap(op, fn())
}

func trackURI(id string) spotify.URI {
	return spotify.URI("spotify:track:" + id)
}

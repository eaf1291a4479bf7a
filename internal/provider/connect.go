package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"

	"partyoverlay/internal/httputil"
)

const DefaultPollInterval = 2 * time.Second

// ConnectSDK drives a Spotify Connect device through the Web API. Loading
// verifies the account can be remote-controlled; players discover the device
// by name and report its state by polling.
type ConnectSDK struct {
	tokens       TokenFunc
	baseURL      string
	base         http.RoundTripper
	pollInterval time.Duration
}

type ConnectOption func(*ConnectSDK)

// WithAPIBaseURL points the Web API client at baseURL, which must end in "/".
func WithAPIBaseURL(baseURL string) ConnectOption {
	return func(s *ConnectSDK) { s.baseURL = baseURL }
}

func WithPollInterval(d time.Duration) ConnectOption {
	return func(s *ConnectSDK) { s.pollInterval = d }
}

func WithTransport(rt http.RoundTripper) ConnectOption {
	return func(s *ConnectSDK) { s.base = rt }
}

func NewConnectSDK(tokens TokenFunc, opts ...ConnectOption) *ConnectSDK {
	s := &ConnectSDK{
		tokens:       tokens,
		base:         http.DefaultTransport,
		pollInterval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns a Web API client authorized by tokens.
func (s *ConnectSDK) Client(tokens TokenFunc) *spotify.Client {
	hc := &http.Client{
		Timeout:   httputil.DefaultTimeout,
		Transport: &oauth2.Transport{Source: tokens, Base: s.base},
	}
	var opts []spotify.ClientOption
	if s.baseURL != "" {
		opts = append(opts, spotify.WithBaseURL(s.baseURL))
	}
	return spotify.New(hc, opts...)
}

func (s *ConnectSDK) Load(ctx context.Context) error {
	user, err := s.Client(s.tokens).CurrentUser(ctx)
	if err != nil {
		return loadError(err)
	}
	if user.Product != "" && user.Product != "premium" {
		return &Error{Op: "load", Kind: KindAccount,
			Err: fmt.Errorf("%s account cannot control playback", user.Product)}
	}
	return nil
}

// loadError classifies a failed account check. Network failures, throttled
// token refreshes, 429 and 5xx are transient; other API rejections mean the
// SDK cannot be initialized for this account.
func loadError(err error) error {
	if e := wrap("load", err); KindOf(e) == KindAuthentication {
		return e
	}
	kind := KindInitialization
	if status := apiStatus(err); status == 0 || status == http.StatusTooManyRequests || status >= 500 {
		kind = KindTransient
	}
	return &Error{Op: "load", Kind: kind, Err: err}
}

func (s *ConnectSDK) NewPlayer(name string, tokens TokenFunc) Player {
	return &connectPlayer{
		name:     name,
		api:      s.Client(tokens),
		interval: s.pollInterval,
	}
}

type connectPlayer struct {
	name     string
	api      *spotify.Client
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (p *connectPlayer) Connect(ctx context.Context) (<-chan PlayerEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil, errors.New("player already connected")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	events := make(chan PlayerEvent, 8)
	go p.run(ctx, events)
	return events, nil
}

func (p *connectPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func (p *connectPlayer) run(ctx context.Context, events chan<- PlayerEvent) {
	defer close(events)

	emit := func(ev PlayerEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		deviceID  string
		lastTrack string
		lastPause = true
	)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		id, err := p.findDevice(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil && KindOf(wrap("devices", err)) == KindAuthentication:
			emit(PlayerEvent{Kind: EventAuthenticationError, Err: err})
			return
		case err != nil:
			log.Printf("provider: listing devices: %v", err)
		case id == "" && deviceID != "":
			deviceID = ""
			if !emit(PlayerEvent{Kind: EventNotReady}) {
				return
			}
		case id != "" && id != deviceID:
			deviceID = id
			if !emit(PlayerEvent{Kind: EventReady, DeviceID: id}) {
				return
			}
		}

		if deviceID != "" {
			if ev, ok := p.pollState(ctx, deviceID, &lastTrack, &lastPause); ok {
				if !emit(ev) {
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *connectPlayer) findDevice(ctx context.Context) (string, error) {
	devices, err := p.api.PlayerDevices(ctx)
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if strings.EqualFold(d.Name, p.name) {
			return string(d.ID), nil
		}
	}
	return "", nil
}

func (p *connectPlayer) pollState(ctx context.Context, deviceID string, lastTrack *string, lastPause *bool) (PlayerEvent, bool) {
	st, err := p.api.PlayerState(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("provider: polling player state: %v", err)
		}
		return PlayerEvent{}, false
	}
	if st == nil || string(st.Device.ID) != deviceID {
		return PlayerEvent{}, false
	}
	var track string
	if st.Item != nil {
		track = string(st.Item.ID)
	}
	paused := !st.Playing
	if track == *lastTrack && paused == *lastPause {
		return PlayerEvent{}, false
	}
	*lastTrack, *lastPause = track, paused
	return PlayerEvent{Kind: EventStateChanged, DeviceID: deviceID, TrackID: track, Paused: paused}, true
}

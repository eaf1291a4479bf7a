package overlay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partyoverlay/internal/engine"
	"partyoverlay/internal/feed"
	"partyoverlay/internal/models"
	"partyoverlay/internal/photos"
	"partyoverlay/internal/provider"
	"partyoverlay/internal/transport"
)

type fakeTransport struct {
	messages chan transport.Message
	photos   chan models.PhotoEvent
	status   chan transport.Status

	mu   sync.Mutex
	sent []models.ControlFrame
	err  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		messages: make(chan transport.Message, 8),
		photos:   make(chan models.PhotoEvent, 8),
		status:   make(chan transport.Status, 8),
	}
}

func (f *fakeTransport) Start(context.Context)              {}
func (f *fakeTransport) Messages() <-chan transport.Message { return f.messages }
func (f *fakeTransport) Photos() <-chan models.PhotoEvent   { return f.photos }
func (f *fakeTransport) Status() <-chan transport.Status    { return f.status }

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v.(models.ControlFrame))
	return nil
}

func (f *fakeTransport) ops() []models.ControlFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ControlFrame(nil), f.sent...)
}

func (f *fakeTransport) push(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	typ, _ := fields["type"].(string)
	f.messages <- transport.Message{Type: typ, Raw: raw, Fields: fields}
}

type observation struct {
	trackID string
	paused  bool
}

type fakeEngine struct {
	mu       sync.Mutex
	frames   []models.StateFrame
	observed []observation
	snaps    chan engine.Snapshot
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{snaps: make(chan engine.Snapshot, 4)}
}

func (f *fakeEngine) Run(ctx context.Context, frames <-chan models.StateFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case fr, ok := <-frames:
			if !ok {
				return
			}
			f.mu.Lock()
			f.frames = append(f.frames, fr)
			f.mu.Unlock()
		}
	}
}

func (f *fakeEngine) ObserveProvider(trackID string, paused bool) {
	f.mu.Lock()
	f.observed = append(f.observed, observation{trackID, paused})
	f.mu.Unlock()
}

func (f *fakeEngine) Snapshot() engine.Snapshot        { return engine.Snapshot{State: engine.Idle} }
func (f *fakeEngine) Subscribe() chan engine.Snapshot  { return f.snaps }
func (f *fakeEngine) Unsubscribe(chan engine.Snapshot) {}

func (f *fakeEngine) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type fakeProvider struct {
	events chan provider.PlayerEvent

	mu       sync.Mutex
	deviceID string
}

func (f *fakeProvider) Events() <-chan provider.PlayerEvent { return f.events }

func (f *fakeProvider) DeviceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deviceID
}

func (f *fakeProvider) setDevice(id string) {
	f.mu.Lock()
	f.deviceID = id
	f.mu.Unlock()
}

type noPhotos struct{}

func (noPhotos) PhotosAfter(context.Context, int64, int) ([]models.PhotoEvent, error) {
	return nil, nil
}

type closedPhotos struct {
	ch      chan models.PhotoEvent
	stopped atomic.Bool
}

func newClosedPhotos() *closedPhotos {
	ch := make(chan models.PhotoEvent)
	close(ch)
	return &closedPhotos{ch: ch}
}

func (c *closedPhotos) Start(context.Context)            {}
func (c *closedPhotos) Stop()                            { c.stopped.Store(true) }
func (c *closedPhotos) Photos() <-chan models.PhotoEvent { return c.ch }
func (c *closedPhotos) Accept(models.PhotoEvent) bool    { return true }

type harness struct {
	tr     *fakeTransport
	eng    *fakeEngine
	prov   *fakeProvider
	hub    *feed.Hub
	events chan feed.Event
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		tr:   newFakeTransport(),
		eng:  newFakeEngine(),
		prov: &fakeProvider{events: make(chan provider.PlayerEvent, 8)},
		hub:  feed.NewHub(),
		done: make(chan error, 1),
	}
	h.events = h.hub.Subscribe()
	r := New(h.tr, h.eng, h.prov, h.hub, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("runner did not stop")
		}
	})
	return h
}

func (h *harness) nextEvent(t *testing.T, kind feed.Kind) feed.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func hasOp(frames []models.ControlFrame, want models.ControlFrame) bool {
	for _, f := range frames {
		if f == want {
			return true
		}
	}
	return false
}

func TestStateFramesReachEngine(t *testing.T) {
	h := start(t)
	idx := 1
	h.tr.push(t, map[string]any{"type": "error", "message": "bad token"})
	h.tr.push(t, map[string]any{"type": "pong"})
	h.tr.push(t, map[string]any{"type": "hello"})
	h.tr.push(t, models.StateFrame{Type: "state", Version: 3, Playing: true, Index: &idx,
		Playlist: []models.Track{{ProviderTrackID: "a"}, {ProviderTrackID: "b"}}})

	require.Eventually(t, func() bool { return h.eng.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	assert.Equal(t, int64(3), h.eng.frames[0].Version)
}

func TestConnectSendsGetStateAndRegistersKnownDevice(t *testing.T) {
	h := start(t)
	h.tr.status <- transport.Status{State: transport.StateConnecting, Attempt: 1}
	h.tr.status <- transport.Status{State: transport.StateConnected}

	ev := h.nextEvent(t, feed.KindStatus)
	assert.Equal(t, transport.StateConnecting, ev.Data.(transport.Status).State)
	ev = h.nextEvent(t, feed.KindStatus)
	assert.Equal(t, transport.StateConnected, ev.Data.(transport.Status).State)

	require.Eventually(t, func() bool { return len(h.tr.ops()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.ControlFrame{Op: models.OpGetState}, h.tr.ops()[0])
}

func TestReconnectRegistersDevice(t *testing.T) {
	h := start(t)
	h.prov.events <- provider.PlayerEvent{Kind: provider.EventReady, DeviceID: "dev-1"}
	require.Eventually(t, func() bool {
		return hasOp(h.tr.ops(), models.ControlFrame{Op: models.OpRegisterDevice, DeviceID: "dev-1"})
	}, time.Second, 5*time.Millisecond)

	h.tr.mu.Lock()
	h.tr.sent = nil
	h.tr.mu.Unlock()
	h.prov.setDevice("dev-1")
	h.tr.status <- transport.Status{State: transport.StateConnected}

	require.Eventually(t, func() bool { return len(h.tr.ops()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.ControlFrame{
		{Op: models.OpGetState},
		{Op: models.OpRegisterDevice, DeviceID: "dev-1"},
	}, h.tr.ops())
}

func TestProviderStateChangesReachEngine(t *testing.T) {
	h := start(t)
	h.prov.events <- provider.PlayerEvent{Kind: provider.EventStateChanged, TrackID: "t9", Paused: true}
	require.Eventually(t, func() bool {
		h.eng.mu.Lock()
		defer h.eng.mu.Unlock()
		return len(h.eng.observed) == 1
	}, time.Second, 5*time.Millisecond)
	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	assert.Equal(t, observation{"t9", true}, h.eng.observed[0])
}

func TestSnapshotsForwardedToFeed(t *testing.T) {
	h := start(t)
	h.nextEvent(t, feed.KindSnapshot)
	h.eng.snaps <- engine.Snapshot{State: engine.Converged, Version: 4}
	ev := h.nextEvent(t, feed.KindSnapshot)
	assert.Equal(t, int64(4), ev.Data.(engine.Snapshot).Version)
}

func TestPushedPhotosWithoutPoller(t *testing.T) {
	h := start(t)
	h.tr.photos <- models.PhotoEvent{ID: 1, URL: "https://img.example/1.jpg", Source: models.PhotoSourcePush}
	ev := h.nextEvent(t, feed.KindPhoto)
	assert.Equal(t, int64(1), ev.Data.(models.PhotoEvent).ID)
}

func TestPushedPhotosDeduplicatedByPoller(t *testing.T) {
	poller := photos.New(noPhotos{}, photos.WithInterval(time.Hour))
	h := start(t, WithPhotoSource(poller))

	p := models.PhotoEvent{ID: 7, URL: "https://img.example/7.jpg", Source: models.PhotoSourcePush}
	h.tr.photos <- p
	h.tr.photos <- p
	h.tr.photos <- models.PhotoEvent{ID: 8, URL: "https://img.example/8.jpg", Source: models.PhotoSourcePush}

	assert.Equal(t, int64(7), h.nextEvent(t, feed.KindPhoto).Data.(models.PhotoEvent).ID)
	assert.Equal(t, int64(8), h.nextEvent(t, feed.KindPhoto).Data.(models.PhotoEvent).ID)
}

func TestClosedPhotoSourceStopsForwarding(t *testing.T) {
	src := newClosedPhotos()
	h := start(t, WithPhotoSource(src))

	require.Eventually(t, src.stopped.Load, time.Second, 5*time.Millisecond)
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case ev := <-h.events:
			assert.NotEqual(t, feed.KindPhoto, ev.Kind, "closed source published %v", ev.Data)
		case <-deadline:
			return
		}
	}
}

func TestKeepaliveSendsPing(t *testing.T) {
	h := start(t, WithKeepalive(10*time.Millisecond))
	require.Eventually(t, func() bool {
		return hasOp(h.tr.ops(), models.ControlFrame{Op: models.OpPing})
	}, time.Second, 5*time.Millisecond)
}

func TestSendWhileDisconnectedIsIgnored(t *testing.T) {
	h := start(t, WithKeepalive(5*time.Millisecond))
	h.tr.mu.Lock()
	h.tr.err = transport.ErrNotConnected
	h.tr.sent = nil
	h.tr.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.tr.ops())
}

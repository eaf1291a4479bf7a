// Package engine reconciles the provider's actual playback with the
// authoritative state frames pushed by the party backend.
package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"partyoverlay/internal/models"
	"partyoverlay/internal/preload"
)

const DefaultSettleDelay = 300 * time.Millisecond

var (
	ErrNothingPending  = errors.New("no pending playback")
	ErrSessionNotReady = errors.New("provider session not ready")
)

// Provider is the playback adapter the engine drives.
type Provider interface {
	EnsureSessionReady(ctx context.Context) bool
	Play(ctx context.Context, trackID string) error
	Pause(ctx context.Context) error
	SkipNext(ctx context.Context) error
	CurrentTrack(ctx context.Context) (string, error)
}

// MediaElement plays direct audio URLs.
type MediaElement interface {
	Play(ctx context.Context, src string) error
	Pause(ctx context.Context) error
	Playing() bool
}

type Engine struct {
	provider Provider
	queue    *preload.Preloader
	media    MediaElement
	ops      *opChain
	settle   time.Duration
	legacy   LegacyPolicy
	now      func() time.Time

	mu              sync.Mutex
	state           State
	mode            Mode
	lastSeenVersion int64
	applied         uint64
	frame           *models.StateFrame
	summary         models.QueueSummary
	believedTrackID string
	believedPlaying bool
	observedTrackID string
	pending         models.PendingPlayback
	lastErr         error
	updatedAt       time.Time

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}
}

type Option func(*Engine)

// WithSettleDelay sets the pause before replaying during a forced resync.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Engine) { e.settle = d }
}

func WithLegacyPolicy(p LegacyPolicy) Option {
	return func(e *Engine) { e.legacy = p }
}

func WithJournal(j Journal) Option {
	return func(e *Engine) { e.ops.journal = j }
}

func New(p Provider, q *preload.Preloader, m MediaElement, opts ...Option) *Engine {
	e := &Engine{
		provider:    p,
		queue:       q,
		media:       m,
		ops:         newOpChain(nil),
		settle:      DefaultSettleDelay,
		legacy:      LegacyApply,
		now:         time.Now,
		pending:     models.NoPending{},
		subscribers: make(map[chan Snapshot]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run applies frames until ctx is done or frames is closed.
func (e *Engine) Run(ctx context.Context, frames <-chan models.StateFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			e.Apply(ctx, f)
		}
	}
}

// Apply reconciles against f. It returns false when the frame was discarded
// as stale (or as legacy under LegacyDrop); a discarded frame has no side
// effects.
func (e *Engine) Apply(ctx context.Context, f models.StateFrame) bool {
	e.mu.Lock()
	if f.Legacy() {
		if e.legacy == LegacyDrop {
			e.mu.Unlock()
			return false
		}
	} else {
		if f.Version <= e.lastSeenVersion {
			e.mu.Unlock()
			return false
		}
		e.lastSeenVersion = f.Version
	}
	e.applied++
	e.frame = &f
	e.mu.Unlock()

	e.reconcile(ctx, f)
	e.publish()
	return true
}

func (e *Engine) reconcile(ctx context.Context, f models.StateFrame) {
	var fallback string
	if len(f.Playlist) == 0 && f.Current != nil {
		fallback = f.Current.ProviderID()
	}
	summary := e.queue.Summarize(f, fallback)
	e.mu.Lock()
	e.summary = summary
	e.mu.Unlock()

	if target := f.Target(); target != nil {
		if src := target.DirectAudioURL(); src != "" {
			e.reconcileAudio(ctx, f.Playing, src)
			return
		}
	}

	if summary.TargetTrackID == "" {
		e.queue.Reset()
		e.stopAll(ctx)
		e.setState(Idle, ModeNone)
		return
	}

	if e.media.Playing() {
		if err := e.media.Pause(ctx); err != nil {
			log.Printf("engine: pause media: %v", err)
		}
	}

	e.setState(Activating, ModeProvider)
	if !e.provider.EnsureSessionReady(ctx) {
		e.fail(models.PendingProviderTrack{TrackID: summary.TargetTrackID}, ErrSessionNotReady)
		return
	}

	if f.Playing {
		e.reconcilePlaying(ctx, summary)
	} else {
		e.reconcilePaused(ctx, summary)
	}
}

func (e *Engine) reconcileAudio(ctx context.Context, playing bool, src string) {
	e.queue.Reset()
	if _, believed := e.belief(); believed {
		if err := e.ops.run(ctx, "pause", "", e.provider.Pause); err != nil {
			log.Printf("engine: pause provider for direct audio: %v", err)
		} else {
			e.setPlaying(false)
		}
	}

	if !playing {
		if err := e.media.Pause(ctx); err != nil {
			log.Printf("engine: pause media: %v", err)
		}
		e.converge(ModeAudio)
		return
	}
	if err := e.media.Play(ctx, src); err != nil {
		e.fail(models.PendingAudio{Src: src}, err)
		return
	}
	e.converge(ModeAudio)
}

func (e *Engine) reconcilePlaying(ctx context.Context, s models.QueueSummary) {
	target := s.TargetTrackID
	believedTrack, believedPlaying := e.belief()

	current, err := e.provider.CurrentTrack(ctx)
	if err != nil {
		log.Printf("engine: read current track: %v", err)
	}
	if current == "" {
		e.mu.Lock()
		current = e.observedTrackID
		e.mu.Unlock()
	}

	forced := false
	switch {
	// A provider still reporting our last command is lagging, not drifting.
	case current != "" && current != target && current != believedTrack:
		log.Printf("engine: drift detected: provider on %s, want %s", current, target)
		forced = true
		e.resync(ctx)
		believedTrack, believedPlaying = e.belief()
	case current == target && believedPlaying && believedTrack != target:
		// provider already advanced to the target on its own
		e.queue.Consume(target)
		e.setBelief(target, true)
		believedTrack = target
	}

	if target == believedTrack && believedPlaying && !forced {
		e.converge(ModeProvider)
		e.preload(ctx, s)
		return
	}

	e.setState(Diverged, ModeProvider)
	if !forced && e.queue.ShouldUseNext(s) {
		if err := e.ops.run(ctx, "next", target, e.provider.SkipNext); err != nil {
			e.fail(models.PendingProviderTrack{TrackID: target}, err)
			return
		}
		e.queue.Consume(target)
	} else {
		e.queue.ClearQueued()
		err := e.ops.run(ctx, "play", target, func(ctx context.Context) error {
			return e.provider.Play(ctx, target)
		})
		if err != nil {
			e.fail(models.PendingProviderTrack{TrackID: target}, err)
			return
		}
	}
	e.setBelief(target, true)
	e.converge(ModeProvider)
	e.preload(ctx, s)
}

func (e *Engine) reconcilePaused(ctx context.Context, s models.QueueSummary) {
	if _, believedPlaying := e.belief(); believedPlaying {
		if err := e.ops.run(ctx, "pause", "", e.provider.Pause); err != nil {
			e.mu.Lock()
			e.lastErr = err
			e.mu.Unlock()
			e.setState(Diverged, ModeProvider)
			return
		}
		e.setPlaying(false)
	}
	e.converge(ModeProvider)
	e.preload(ctx, s)
}

// resync pauses the provider, waits for it to settle and forgets the
// tracked queue so the next command is a fresh play.
func (e *Engine) resync(ctx context.Context) {
	e.setState(Resyncing, ModeProvider)
	if err := e.ops.run(ctx, "pause", "", e.provider.Pause); err != nil {
		log.Printf("engine: resync pause: %v", err)
	}
	e.setPlaying(false)
	if e.settle > 0 {
		t := time.NewTimer(e.settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	e.queue.ClearQueued()
}

func (e *Engine) stopAll(ctx context.Context) {
	if e.media.Playing() {
		if err := e.media.Pause(ctx); err != nil {
			log.Printf("engine: pause media: %v", err)
		}
	}
	if _, believed := e.belief(); believed {
		if err := e.ops.run(ctx, "pause", "", e.provider.Pause); err != nil {
			log.Printf("engine: pause provider: %v", err)
			return
		}
		e.setPlaying(false)
	}
}

func (e *Engine) preload(ctx context.Context, s models.QueueSummary) {
	if err := e.queue.Preload(ctx, s); err != nil {
		log.Printf("engine: %v", err)
	}
}

// Retry replays the pending playback intent. It is meant to be triggered by
// an explicit user action, never by a timer.
func (e *Engine) Retry(ctx context.Context) error {
	e.mu.Lock()
	pending := e.pending
	summary := e.summary
	e.mu.Unlock()

	switch p := pending.(type) {
	case models.PendingAudio:
		if err := e.media.Play(ctx, p.Src); err != nil {
			e.fail(p, err)
			e.publish()
			return err
		}
		e.converge(ModeAudio)
	case models.PendingProviderTrack:
		e.setState(Activating, ModeProvider)
		if !e.provider.EnsureSessionReady(ctx) {
			e.fail(p, ErrSessionNotReady)
			e.publish()
			return ErrSessionNotReady
		}
		err := e.ops.run(ctx, "play", p.TrackID, func(ctx context.Context) error {
			return e.provider.Play(ctx, p.TrackID)
		})
		if err != nil {
			e.fail(p, err)
			e.publish()
			return err
		}
		e.queue.ClearQueued()
		e.setBelief(p.TrackID, true)
		e.converge(ModeProvider)
		if summary.TargetTrackID == p.TrackID {
			e.preload(ctx, summary)
		}
	default:
		return ErrNothingPending
	}
	e.publish()
	return nil
}

// ObserveProvider records a player state change reported by the provider.
// It corrects the engine's belief and never issues commands.
func (e *Engine) ObserveProvider(trackID string, paused bool) {
	e.mu.Lock()
	e.observedTrackID = trackID
	if trackID == "" || trackID == e.believedTrackID {
		e.believedPlaying = !paused
	}
	e.mu.Unlock()
}

func (e *Engine) belief() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.believedTrackID, e.believedPlaying
}

func (e *Engine) setBelief(trackID string, playing bool) {
	e.mu.Lock()
	e.believedTrackID = trackID
	e.believedPlaying = playing
	e.mu.Unlock()
}

func (e *Engine) setPlaying(playing bool) {
	e.mu.Lock()
	e.believedPlaying = playing
	e.mu.Unlock()
}

func (e *Engine) setState(s State, m Mode) {
	e.mu.Lock()
	e.state = s
	e.mode = m
	e.updatedAt = e.now()
	e.mu.Unlock()
}

func (e *Engine) converge(m Mode) {
	e.mu.Lock()
	e.state = Converged
	e.mode = m
	e.pending = models.NoPending{}
	e.lastErr = nil
	e.updatedAt = e.now()
	e.mu.Unlock()
}

func (e *Engine) fail(p models.PendingPlayback, err error) {
	log.Printf("engine: playback failed, waiting for retry: %v", err)
	e.mu.Lock()
	e.state = Failed
	e.pending = p
	e.lastErr = err
	e.updatedAt = e.now()
	e.mu.Unlock()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) LastSeenVersion() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeenVersion
}

func (e *Engine) Pending() models.PendingPlayback {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

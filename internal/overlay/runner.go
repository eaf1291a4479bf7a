// Package overlay wires the transport, engine, provider and photo loops
// together. Each event channel has exactly one consumer.
package overlay

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"partyoverlay/internal/engine"
	"partyoverlay/internal/feed"
	"partyoverlay/internal/media"
	"partyoverlay/internal/models"
	"partyoverlay/internal/provider"
	"partyoverlay/internal/transport"
)

type Transport interface {
	Start(ctx context.Context)
	Messages() <-chan transport.Message
	Photos() <-chan models.PhotoEvent
	Status() <-chan transport.Status
	Send(v any) error
}

type Engine interface {
	Run(ctx context.Context, frames <-chan models.StateFrame)
	ObserveProvider(trackID string, paused bool)
	Snapshot() engine.Snapshot
	Subscribe() chan engine.Snapshot
	Unsubscribe(ch chan engine.Snapshot)
}

type Provider interface {
	Events() <-chan provider.PlayerEvent
	DeviceID() string
}

type PhotoSource interface {
	Start(ctx context.Context)
	Stop()
	Photos() <-chan models.PhotoEvent
	Accept(p models.PhotoEvent) bool
}

type Runner struct {
	transport Transport
	engine    Engine
	provider  Provider
	photos    PhotoSource
	hub       *feed.Hub
	media     <-chan media.Event
	keepalive time.Duration
}

type Option func(*Runner)

func WithPhotoSource(p PhotoSource) Option {
	return func(r *Runner) { r.photos = p }
}

// WithMediaEvents drains playback events from the direct audio element.
func WithMediaEvents(ch <-chan media.Event) Option {
	return func(r *Runner) { r.media = ch }
}

// WithKeepalive sends a ping op at interval d while connected.
func WithKeepalive(d time.Duration) Option {
	return func(r *Runner) { r.keepalive = d }
}

func New(t Transport, e Engine, p Provider, hub *feed.Hub, opts ...Option) *Runner {
	r := &Runner{
		transport: t,
		engine:    e,
		provider:  p,
		hub:       hub,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run starts every loop and blocks until ctx is cancelled and the loops have
// drained.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	frames := make(chan models.StateFrame, 16)
	snaps := r.engine.Subscribe()

	r.transport.Start(ctx)
	if r.photos != nil {
		r.photos.Start(ctx)
	}

	g.Go(func() error {
		r.engine.Run(ctx, frames)
		return nil
	})
	g.Go(func() error {
		defer close(frames)
		return r.consumeMessages(ctx, frames)
	})
	g.Go(func() error { return r.consumeStatus(ctx) })
	g.Go(func() error { return r.consumePushedPhotos(ctx) })
	g.Go(func() error { return r.consumeProvider(ctx) })
	g.Go(func() error {
		defer r.engine.Unsubscribe(snaps)
		return r.forwardSnapshots(ctx, snaps)
	})
	if r.photos != nil {
		g.Go(func() error {
			defer r.photos.Stop()
			return r.forwardPhotos(ctx, r.photos.Photos())
		})
	}
	if r.media != nil {
		g.Go(func() error { return r.consumeMedia(ctx) })
	}
	if r.keepalive > 0 {
		g.Go(func() error { return r.keepaliveLoop(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) consumeMessages(ctx context.Context, frames chan<- models.StateFrame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.transport.Messages():
			if !ok {
				return nil
			}
			switch msg.Type {
			case models.FrameTypeError:
				log.Printf("overlay: server error: %v", errorText(msg))
				continue
			case models.FrameTypePong:
				continue
			}
			f, err := models.ParseStateFrame(msg.Raw)
			if err != nil {
				continue
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func errorText(msg transport.Message) any {
	for _, k := range []string{"message", "error", "detail"} {
		if v, ok := msg.Fields[k]; ok {
			return v
		}
	}
	return string(msg.Raw)
}

func (r *Runner) consumeStatus(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-r.transport.Status():
			if !ok {
				return nil
			}
			r.hub.Publish(feed.KindStatus, st)
			if st.State != transport.StateConnected {
				continue
			}
			r.send(models.ControlFrame{Op: models.OpGetState})
			if id := r.provider.DeviceID(); id != "" {
				r.send(models.ControlFrame{Op: models.OpRegisterDevice, DeviceID: id})
			}
		}
	}
}

func (r *Runner) consumePushedPhotos(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-r.transport.Photos():
			if !ok {
				return nil
			}
			if r.photos != nil {
				r.photos.Accept(p)
				continue
			}
			r.hub.Publish(feed.KindPhoto, p)
		}
	}
}

func (r *Runner) forwardPhotos(ctx context.Context, photos <-chan models.PhotoEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-photos:
			if !ok {
				return nil
			}
			r.hub.Publish(feed.KindPhoto, p)
		}
	}
}

func (r *Runner) consumeProvider(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-r.provider.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case provider.EventReady:
				r.send(models.ControlFrame{Op: models.OpRegisterDevice, DeviceID: ev.DeviceID})
			case provider.EventStateChanged:
				r.engine.ObserveProvider(ev.TrackID, ev.Paused)
			}
		}
	}
}

func (r *Runner) consumeMedia(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-r.media:
			if !ok {
				return nil
			}
			switch {
			case ev.Err != nil:
				log.Printf("overlay: media: %v", ev.Err)
			case ev.Ended && ev.EndReason == "error":
				log.Printf("overlay: media playback ended with an error")
			}
		}
	}
}

func (r *Runner) forwardSnapshots(ctx context.Context, snaps <-chan engine.Snapshot) error {
	r.hub.Publish(feed.KindSnapshot, r.engine.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-snaps:
			if !ok {
				return nil
			}
			r.hub.Publish(feed.KindSnapshot, s)
		}
	}
}

func (r *Runner) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.send(models.ControlFrame{Op: models.OpPing})
		}
	}
}

// send is fire-and-forget; frames are not queued while disconnected.
func (r *Runner) send(f models.ControlFrame) {
	if err := r.transport.Send(f); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		log.Printf("overlay: sending %s: %v", f.Op, err)
	}
}

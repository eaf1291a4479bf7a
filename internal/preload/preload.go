// Package preload keeps a bounded window of upcoming tracks submitted to the
// provider's own queue so a one-step advance can use a native skip.
package preload

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"partyoverlay/internal/models"
)

const DefaultWindow = 64

// Enqueuer submits a track to the provider's upcoming queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, trackID string) error
}

type Preloader struct {
	q      Enqueuer
	window int

	mu        sync.Mutex
	queued    map[string]struct{}
	claimed   map[string]struct{}
	prevIndex int
	hasPrev   bool
}

type Option func(*Preloader)

// WithWindow bounds the number of tracked queued tracks. Non-positive values
// keep the default.
func WithWindow(n int) Option {
	return func(p *Preloader) {
		if n > 0 {
			p.window = n
		}
	}
}

func New(q Enqueuer, opts ...Option) *Preloader {
	p := &Preloader{
		q:       q,
		window:  DefaultWindow,
		queued:  make(map[string]struct{}),
		claimed: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Summarize derives the queue summary for f and remembers its index for the
// next call. fallbackID is used as the target when the indexed entry has no
// provider id.
func (p *Preloader) Summarize(f models.StateFrame, fallbackID string) models.QueueSummary {
	ids := make([]string, len(f.Playlist))
	for i, t := range f.Playlist {
		ids[i] = t.ProviderID()
	}
	idx := f.ClampedIndex()

	s := models.QueueSummary{PlaylistIDs: ids, PlaylistIndex: idx}
	if idx >= 0 {
		s.TargetTrackID = ids[idx]
	}
	if s.TargetTrackID == "" {
		s.TargetTrackID = fallbackID
	}

	p.mu.Lock()
	s.SequentialAdvance = p.hasPrev && idx >= 0 && idx == p.prevIndex+1
	p.prevIndex = idx
	p.hasPrev = idx >= 0
	p.mu.Unlock()
	return s
}

// Preload enqueues the forward slice after the current index that is not
// already tracked, and forgets tracked entries outside that slice. It stops
// at the first enqueue failure and returns it.
func (p *Preloader) Preload(ctx context.Context, s models.QueueSummary) error {
	forward := p.forward(s)

	p.mu.Lock()
	keep := make(map[string]struct{}, len(forward))
	for _, id := range forward {
		keep[id] = struct{}{}
	}
	for id := range p.queued {
		if _, ok := keep[id]; !ok {
			delete(p.queued, id)
			delete(p.claimed, id)
		}
	}
	p.mu.Unlock()

	for _, id := range forward {
		if p.isQueued(id) {
			continue
		}
		if err := p.q.Enqueue(ctx, id); err != nil {
			return fmt.Errorf("preload %s: %w", id, err)
		}
		p.mu.Lock()
		p.queued[id] = struct{}{}
		p.mu.Unlock()
	}
	return nil
}

func (p *Preloader) forward(s models.QueueSummary) []string {
	if s.PlaylistIndex < 0 {
		return nil
	}
	start := s.PlaylistIndex + 1
	if start >= len(s.PlaylistIDs) {
		return nil
	}
	end := start + p.window
	if end > len(s.PlaylistIDs) {
		end = len(s.PlaylistIDs)
	}
	out := make([]string, 0, end-start)
	seen := make(map[string]struct{}, end-start)
	for _, id := range s.PlaylistIDs[start:end] {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (p *Preloader) isQueued(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.queued[id]
	return ok
}

// ShouldUseNext reports whether the target can be reached with a native
// skip. It answers true at most once per tracked id until Consume or Reset.
func (p *Preloader) ShouldUseNext(s models.QueueSummary) bool {
	if s.TargetTrackID == "" || !s.SequentialAdvance {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queued[s.TargetTrackID]; !ok {
		return false
	}
	if _, ok := p.claimed[s.TargetTrackID]; ok {
		return false
	}
	p.claimed[s.TargetTrackID] = struct{}{}
	return true
}

// Consume drops id from the tracked set once the provider has played it.
func (p *Preloader) Consume(id string) {
	p.mu.Lock()
	delete(p.queued, id)
	delete(p.claimed, id)
	p.mu.Unlock()
}

// ClearQueued forgets every tracked entry but keeps the previous index.
func (p *Preloader) ClearQueued() {
	p.mu.Lock()
	clear(p.queued)
	clear(p.claimed)
	p.mu.Unlock()
}

// Reset forgets the tracked entries and the previous index.
func (p *Preloader) Reset() {
	p.mu.Lock()
	clear(p.queued)
	clear(p.claimed)
	p.prevIndex = 0
	p.hasPrev = false
	p.mu.Unlock()
}

// Queued returns the tracked ids in sorted order.
func (p *Preloader) Queued() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.queued))
	for id := range p.queued {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Preloader) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}

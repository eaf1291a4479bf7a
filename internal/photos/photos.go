// Package photos polls the backend for new party photos and merges them with
// photos pushed over the player socket, so each photo is shown once.
package photos

import (
	"context"
	"log"
	"sync"
	"time"

	"partyoverlay/internal/models"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 50
)

type Source interface {
	PhotosAfter(ctx context.Context, afterID int64, limit int) ([]models.PhotoEvent, error)
}

// Ledger persists the poll cursor and which photos were already shown. A nil
// Ledger keeps both in memory.
type Ledger interface {
	PhotoCursor() (int64, error)
	SavePhotoCursor(afterID int64) error
	MarkPhotoSeen(p models.PhotoEvent) (bool, error)
}

type Poller struct {
	src       Source
	ledger    Ledger
	interval  time.Duration
	batchSize int

	mu     sync.Mutex
	cursor int64
	seen   map[int64]struct{}

	out chan models.PhotoEvent

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithLedger(l Ledger) Option {
	return func(p *Poller) { p.ledger = l }
}

func New(src Source, opts ...Option) *Poller {
	p := &Poller{
		src:       src,
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		seen:      make(map[int64]struct{}),
		out:       make(chan models.PhotoEvent, 32),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Photos delivers every photo accepted by the poller or by Accept.
func (p *Poller) Photos() <-chan models.PhotoEvent { return p.out }

func (p *Poller) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		if p.ledger != nil {
			id, err := p.ledger.PhotoCursor()
			if err != nil {
				log.Printf("photos: loading cursor: %v", err)
			} else {
				p.mu.Lock()
				p.cursor = id
				p.mu.Unlock()
			}
		}
		ctx, p.cancel = context.WithCancel(ctx)
		p.done = make(chan struct{})
		go p.run(ctx)
	})
}

func (p *Poller) Stop() {
	if p.cancel != nil && p.done != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	p.mu.Lock()
	after := p.cursor
	p.mu.Unlock()

	batch, err := p.src.PhotosAfter(ctx, after, p.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("photos: polling after %d: %v", after, err)
		}
		return
	}
	advanced := false
	for _, ph := range batch {
		p.mu.Lock()
		if ph.ID > p.cursor {
			p.cursor = ph.ID
			advanced = true
		}
		p.mu.Unlock()
		p.Accept(ph)
	}
	if advanced && p.ledger != nil {
		if err := p.ledger.SavePhotoCursor(p.Cursor()); err != nil {
			log.Printf("photos: %v", err)
		}
	}
}

// Accept records a photo and forwards it to Photos unless it was seen
// before. Photos without an id are always forwarded. It never moves the poll
// cursor, in memory or in the ledger.
func (p *Poller) Accept(ph models.PhotoEvent) bool {
	if !p.markSeen(ph) {
		return false
	}
	select {
	case p.out <- ph:
	default:
		log.Printf("photos: dropping photo %d, consumer is behind", ph.ID)
	}
	return true
}

func (p *Poller) markSeen(ph models.PhotoEvent) bool {
	if ph.ID == 0 {
		return true
	}
	p.mu.Lock()
	if _, ok := p.seen[ph.ID]; ok {
		p.mu.Unlock()
		return false
	}
	p.seen[ph.ID] = struct{}{}
	p.mu.Unlock()

	if p.ledger == nil {
		return true
	}
	fresh, err := p.ledger.MarkPhotoSeen(ph)
	if err != nil {
		log.Printf("photos: %v", err)
		return true
	}
	return fresh
}

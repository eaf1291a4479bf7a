package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"partyoverlay/internal/models"
)

// Journal records provider mutations.
type Journal interface {
	RecordProviderOp(op models.ProviderOp) error
}

// opChain admits one provider mutation at a time. A caller waits for the
// previous operation to finish, whatever its outcome, then runs.
type opChain struct {
	slot    chan struct{}
	journal Journal
	now     func() time.Time
}

func newOpChain(j Journal) *opChain {
	return &opChain{slot: make(chan struct{}, 1), journal: j, now: time.Now}
}

func (c *opChain) run(ctx context.Context, op, trackID string, fn func(context.Context) error) error {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.slot }()

	rec := models.ProviderOp{ID: uuid.NewString(), Op: op, TrackID: trackID, At: c.now()}
	err := fn(ctx)
	rec.Duration = c.now().Sub(rec.At).Milliseconds()
	if err != nil {
		rec.Error = err.Error()
		log.Printf("engine: op %s %s %s failed: %v", rec.ID[:8], op, trackID, err)
	}
	if c.journal != nil {
		if jerr := c.journal.RecordProviderOp(rec); jerr != nil {
			log.Printf("engine: journal op %s: %v", rec.ID[:8], jerr)
		}
	}
	return err
}

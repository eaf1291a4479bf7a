package photos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partyoverlay/internal/models"
	"partyoverlay/internal/store"
)

type fakeSource struct {
	mu     sync.Mutex
	photos []models.PhotoEvent
	afters []int64
	err    error
}

func (f *fakeSource) PhotosAfter(_ context.Context, afterID int64, limit int) ([]models.PhotoEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afters = append(f.afters, afterID)
	if f.err != nil {
		return nil, f.err
	}
	var out []models.PhotoEvent
	for _, p := range f.photos {
		if p.ID > afterID && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSource) add(p models.PhotoEvent) {
	f.mu.Lock()
	f.photos = append(f.photos, p)
	f.mu.Unlock()
}

func photo(id int64) models.PhotoEvent {
	return models.PhotoEvent{ID: id, URL: fmt.Sprintf("https://img.example/%d.jpg", id), Source: models.PhotoSourcePoll}
}

func drain(p *Poller) []int64 {
	var ids []int64
	for {
		select {
		case ph := <-p.Photos():
			ids = append(ids, ph.ID)
		default:
			return ids
		}
	}
}

func TestPollAdvancesCursor(t *testing.T) {
	src := &fakeSource{photos: []models.PhotoEvent{photo(1), photo(2), photo(3)}}
	p := New(src, WithBatchSize(2))

	p.poll(context.Background())
	assert.Equal(t, []int64{1, 2}, drain(p))
	assert.Equal(t, int64(2), p.Cursor())

	p.poll(context.Background())
	assert.Equal(t, []int64{3}, drain(p))

	p.poll(context.Background())
	assert.Empty(t, drain(p))
	assert.Equal(t, []int64{0, 2, 3}, src.afters)
}

func TestPollErrorKeepsCursor(t *testing.T) {
	src := &fakeSource{photos: []models.PhotoEvent{photo(1)}}
	p := New(src)
	p.poll(context.Background())
	drain(p)

	src.err = errors.New("backend down")
	p.poll(context.Background())
	assert.Equal(t, int64(1), p.Cursor())
	assert.Empty(t, drain(p))
}

func TestAcceptDeduplicatesPushAndPoll(t *testing.T) {
	src := &fakeSource{}
	p := New(src)

	pushed := photo(5)
	pushed.Source = models.PhotoSourcePush
	assert.True(t, p.Accept(pushed))
	assert.False(t, p.Accept(pushed))
	assert.Equal(t, int64(0), p.Cursor(), "push must not move the poll cursor")

	src.add(photo(4))
	src.add(photo(5))
	p.poll(context.Background())
	assert.Equal(t, []int64{5, 4}, drain(p))
	assert.Equal(t, int64(5), p.Cursor())
}

func TestAcceptWithoutID(t *testing.T) {
	p := New(&fakeSource{})
	ph := models.PhotoEvent{URL: "https://img/x", Source: models.PhotoSourcePush}
	assert.True(t, p.Accept(ph))
	assert.True(t, p.Accept(ph))
	assert.Len(t, drain(p), 2)
}

func TestLedgerSurvivesRestart(t *testing.T) {
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.MigrateEmbedded())

	src := &fakeSource{photos: []models.PhotoEvent{photo(1), photo(2)}}
	first := New(src, WithLedger(s))
	first.poll(context.Background())
	assert.Equal(t, []int64{1, 2}, drain(first))

	src.add(photo(3))
	second := New(src, WithLedger(s), WithInterval(time.Hour))
	second.Start(context.Background())
	defer second.Stop()

	select {
	case ph := <-second.Photos():
		assert.Equal(t, int64(3), ph.ID)
	case <-time.After(time.Second):
		t.Fatal("no photo delivered")
	}
	assert.Equal(t, int64(3), second.Cursor())
	assert.Empty(t, drain(second))
	assert.False(t, second.Accept(photo(2)))
}

func TestPushedPhotoDoesNotSkipUnpolledAfterRestart(t *testing.T) {
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.MigrateEmbedded())

	src := &fakeSource{photos: []models.PhotoEvent{photo(1)}}
	first := New(src, WithLedger(s))
	first.poll(context.Background())
	assert.Equal(t, []int64{1}, drain(first))

	for id := int64(2); id <= 5; id++ {
		src.add(photo(id))
	}
	pushed := photo(5)
	pushed.Source = models.PhotoSourcePush
	assert.True(t, first.Accept(pushed))

	second := New(src, WithLedger(s), WithInterval(time.Hour))
	second.Start(context.Background())
	defer second.Stop()

	var got []int64
	for len(got) < 3 {
		select {
		case ph := <-second.Photos():
			got = append(got, ph.ID)
		case <-time.After(time.Second):
			t.Fatalf("got %v, want photos 2-4", got)
		}
	}
	assert.Equal(t, []int64{2, 3, 4}, got)
	require.Eventually(t, func() bool {
		id, err := s.PhotoCursor()
		return err == nil && id == 5
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, drain(second))
}

func TestStartStop(t *testing.T) {
	src := &fakeSource{photos: []models.PhotoEvent{photo(1)}}
	p := New(src, WithInterval(10*time.Millisecond))
	p.Start(context.Background())

	select {
	case ph := <-p.Photos():
		assert.Equal(t, int64(1), ph.ID)
	case <-time.After(time.Second):
		t.Fatal("no photo delivered")
	}
	p.Stop()
}

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetwatch/incident-engine/internal/models"
)

type capturePublisher struct {
	mu       sync.Mutex
	failures int
	attempts int
	sent     []models.Notification
}

func (p *capturePublisher) Publish(_ context.Context, n models.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, n)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) delivered() []models.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Notification(nil), p.sent...)
}

type captureStore struct {
	mu    sync.Mutex
	saved []models.Incident
}

func (s *captureStore) Save(_ context.Context, inc models.Incident) error {
	s.mu.Lock()
	s.saved = append(s.saved, inc)
	s.mu.Unlock()
	return nil
}

func notif(id string, seq uint64) models.Notification {
	return models.Notification{
		Kind:      models.ChangeUpdated,
		Seq:       seq,
		EmittedAt: time.Unix(1000, 0),
		Incident:  models.Incident{ID: id, ShipID: "viking-star", Status: models.StatusOpen},
	}
}

func fastOptions() Options {
	return Options{
		QueueSize:       16,
		PublishTimeout:  time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsed:      time.Second,
	}
}

func TestDispatcherPersistsAndPublishes(t *testing.T) {
	pub := &capturePublisher{}
	rows := &captureStore{}
	d := New(nil, pub, rows, fastOptions())
	d.Start(context.Background())

	if err := d.Enqueue(notif("inc-1", 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := pub.delivered(); len(got) != 1 || got[0].Incident.ID != "inc-1" {
		t.Fatalf("published = %+v", got)
	}
	if len(rows.saved) != 1 {
		t.Fatalf("saved = %+v", rows.saved)
	}
}

func TestDispatcherRetriesWithBackoff(t *testing.T) {
	pub := &capturePublisher{failures: 3}
	d := New(nil, pub, nil, fastOptions())
	d.Start(context.Background())

	if err := d.Enqueue(notif("inc-1", 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := pub.delivered(); len(got) != 1 {
		t.Fatalf("notification lost after transient failures: %+v", got)
	}
	if pub.attempts != 4 {
		t.Fatalf("attempts = %d, want 4", pub.attempts)
	}
}

func TestDispatcherSkipsDuplicateSequences(t *testing.T) {
	pub := &capturePublisher{}
	d := New(nil, pub, nil, fastOptions())
	d.Start(context.Background())

	for _, seq := range []uint64{1, 2, 2, 1, 3} {
		if err := d.Enqueue(notif("inc-1", seq)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := pub.delivered()
	if len(got) != 3 {
		t.Fatalf("delivered %d notifications, want 3: %+v", len(got), got)
	}
	for i, want := range []uint64{1, 2, 3} {
		if got[i].Seq != want {
			t.Fatalf("delivery %d has seq %d, want %d", i, got[i].Seq, want)
		}
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	d := New(nil, &capturePublisher{}, nil, fastOptions())
	d.Start(context.Background())
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := d.Enqueue(notif("inc-1", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

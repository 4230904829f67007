package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

func TestPublisherOrdering(t *testing.T) {
	p := NewPublisher(10)
	for i := 0; i < 5; i++ {
		p.Publish(models.StreamObservationCreated, i)
	}

	events := p.EventsSince(0, 0)
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.ID != uint64(i+1) {
			t.Fatalf("expected id %d, got %d", i+1, ev.ID)
		}
	}

	since := p.EventsSince(3, 10)
	if len(since) != 2 || since[0].ID != 4 {
		t.Fatalf("unexpected events since 3: %+v", since)
	}
	if limited := p.EventsSince(0, 2); len(limited) != 2 || limited[1].ID != 2 {
		t.Fatalf("unexpected limited events: %+v", limited)
	}
	if p.LastID() != 5 {
		t.Fatalf("expected last id 5, got %d", p.LastID())
	}
}

func TestPublisherEviction(t *testing.T) {
	p := NewPublisher(3)
	for i := 0; i < 7; i++ {
		p.Publish("x", nil)
	}
	events := p.EventsSince(0, 100)
	if len(events) != 3 {
		t.Fatalf("expected ring capacity of 3, got %d", len(events))
	}
	if events[0].ID != 5 || events[2].ID != 7 {
		t.Fatalf("expected ids 5..7, got %+v", events)
	}
}

func TestPublisherConcurrentIDsUnique(t *testing.T) {
	p := NewPublisher(1000)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p.Publish("x", nil)
			}
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	prev := uint64(0)
	for _, ev := range p.EventsSince(0, 1000) {
		if seen[ev.ID] || ev.ID <= prev {
			t.Fatalf("ids must be unique and increasing, got %d after %d", ev.ID, prev)
		}
		seen[ev.ID] = true
		prev = ev.ID
	}
	if len(seen) != 500 {
		t.Fatalf("expected 500 events, got %d", len(seen))
	}
}

func TestPublisherWait(t *testing.T) {
	p := NewPublisher(10)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if p.Wait(ctx, 0) {
		t.Fatal("wait must time out with no events")
	}

	got := make(chan bool, 1)
	go func() { got <- p.Wait(context.Background(), 0) }()
	time.Sleep(10 * time.Millisecond)
	p.Publish("x", nil)

	select {
	case ok := <-got:
		if !ok {
			t.Fatal("expected wake-up")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	if !p.Wait(context.Background(), 0) {
		t.Fatal("wait must return immediately when newer events exist")
	}
}

func TestHealthMonitorPublishesOnChange(t *testing.T) {
	p := NewPublisher(10)
	snap := models.HealthSnapshot{Status: "ok", VectorEngine: "sqlite"}
	m := NewHealthMonitor(p, func(context.Context) models.HealthSnapshot { return snap },
		time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	if !m.Check(ctx) {
		t.Fatal("first sample must publish")
	}
	if m.Check(ctx) {
		t.Fatal("unchanged snapshot must not publish")
	}
	snap.EmbeddingDegraded = true
	snap.Status = "degraded"
	if !m.Check(ctx) {
		t.Fatal("changed snapshot must publish")
	}

	events := p.EventsSince(0, 10)
	if len(events) != 2 || events[1].Type != models.StreamHealthChanged {
		t.Fatalf("unexpected events %+v", events)
	}
	if got := events[1].Payload.(models.HealthSnapshot); !got.EmbeddingDegraded {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestHealthMonitorStartStop(t *testing.T) {
	p := NewPublisher(10)
	m := NewHealthMonitor(p, func(context.Context) models.HealthSnapshot {
		return models.HealthSnapshot{Status: "ok"}
	}, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	m.Start()
	m.Start()
	deadline := time.Now().Add(time.Second)
	for p.LastID() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.Stop()
	m.Stop()
	if p.LastID() != 1 {
		t.Fatalf("expected a single health event, got %d", p.LastID())
	}
}

func TestHealthMonitorNilLogger(t *testing.T) {
	p := NewPublisher(10)
	m := NewHealthMonitor(p, func(context.Context) models.HealthSnapshot {
		return models.HealthSnapshot{Status: "ok"}
	}, time.Hour, nil)
	if !m.Check(context.Background()) {
		t.Fatal("first sample must publish")
	}
}

package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snews-network/coincidence-server/internal/alert"
	"github.com/snews-network/coincidence-server/internal/bus"
	"github.com/snews-network/coincidence-server/internal/config"
	"github.com/snews-network/coincidence-server/internal/falsealarm"
	"github.com/snews-network/coincidence-server/internal/heartbeat"
	"github.com/snews-network/coincidence-server/internal/observation"
	"github.com/snews-network/coincidence-server/internal/ops"
)

type fakeBus struct {
	mu         sync.Mutex
	ch         chan bus.Message
	published  []alert.Alert
	subscribes int
	// onResubscribe runs when the loop reopens the subscription after the
	// channel has closed; tests use it to cancel Run's context.
	onResubscribe func()
}

func newFakeBus() *fakeBus {
	return &fakeBus{ch: make(chan bus.Message, 8)}
}

func (f *fakeBus) Subscribe(ctx context.Context, topic string) (<-chan bus.Message, error) {
	f.mu.Lock()
	f.subscribes++
	resubscribe := f.subscribes > 1 && f.onResubscribe != nil
	f.mu.Unlock()
	if resubscribe {
		f.onResubscribe()
	}
	return f.ch, nil
}

func (f *fakeBus) Close() error { return nil }

func (f *fakeBus) Publish(ctx context.Context, topic string, payload []byte) error {
	var a alert.Alert
	if err := json.Unmarshal(payload, &a); err != nil {
		return err
	}
	f.mu.Lock()
	f.published = append(f.published, a)
	f.mu.Unlock()
	return nil
}

func (f *fakeBus) Published() []alert.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]alert.Alert, len(f.published))
	copy(out, f.published)
	return out
}

type fakeStore struct {
	mu      sync.Mutex
	inserts int
}

func (s *fakeStore) Insert(ctx context.Context, obs observation.Observation, raw []byte) error {
	s.mu.Lock()
	s.inserts++
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Close() error { return nil }

func newTestLoop(t *testing.T, b *fakeBus, store *fakeStore) *Loop {
	t.Helper()
	cfg := config.Default()
	cfg.Coincident.WindowSeconds = 10
	logger := ops.NewLogger(&cfg.Logging)
	metrics := ops.NewMetrics(prometheus.NewRegistry())
	hb := heartbeat.NewInMemory(time.Hour)
	decider := alert.NewDecider(cfg.Server.Tag, falsealarm.NewDefaultEstimator(), hb)
	return New(cfg, b, b, store, decider, hb, logger, metrics)
}

func obsPayload(id, detector string, t time.Time, pval float64) []byte {
	payload := map[string]interface{}{
		"_id":           id,
		"detector_name": detector,
		"neutrino_time": t.UTC().Format(time.RFC3339Nano),
		"p_val":         pval,
	}
	b, _ := json.Marshal(payload)
	return b
}

func TestLoop_SingleObservationNoAlert(t *testing.T) {
	b := newFakeBus()
	store := &fakeStore{}
	loop := newTestLoop(t, b, store)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())

	b.ch <- bus.Message{Payload: obsPayload("A", "det-x", base, 0.1)}
	close(b.ch)
	b.onResubscribe = cancel

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	cancel()

	if len(b.Published()) != 0 {
		t.Errorf("expected no alerts for a lone INITIAL sub-group, got %d", len(b.Published()))
	}
	if store.inserts != 1 {
		t.Errorf("expected 1 stored observation, got %d", store.inserts)
	}
}

func TestLoop_CoincidentPairEmitsAlert(t *testing.T) {
	b := newFakeBus()
	store := &fakeStore{}
	loop := newTestLoop(t, b, store)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	b.ch <- bus.Message{Payload: obsPayload("A", "det-x", base, 0.1)}
	b.ch <- bus.Message{Payload: obsPayload("B", "det-y", base.Add(2*time.Second), 0.2)}
	close(b.ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.onResubscribe = cancel

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	published := b.Published()
	if len(published) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(published))
	}
	if published[0].AlertType != "COINC_MSG" {
		t.Errorf("alert type = %s, want COINC_MSG", published[0].AlertType)
	}
	if published[0].SubListNum != 0 {
		t.Errorf("sub_list_num = %d, want 0", published[0].SubListNum)
	}
}

func TestLoop_BadMessageDoesNotCrashLoop(t *testing.T) {
	b := newFakeBus()
	store := &fakeStore{}
	loop := newTestLoop(t, b, store)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	b.ch <- bus.Message{Payload: []byte(`{"_id":"bad"`)} // malformed JSON
	b.ch <- bus.Message{Payload: obsPayload("A", "det-x", base, 0.1)}
	close(b.ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.onResubscribe = cancel

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if store.inserts != 1 {
		t.Errorf("expected the well-formed message to still be stored, got %d inserts", store.inserts)
	}
}

func TestLoop_ExitsCleanlyOnContextCancel(t *testing.T) {
	b := newFakeBus()
	store := &fakeStore{}
	loop := newTestLoop(t, b, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after context cancellation")
	}
}

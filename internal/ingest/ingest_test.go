package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opencortex/eeg-agent/internal/eeg"
)

type captureSink struct {
	mu      sync.Mutex
	batches []Batch
	err     error
}

func (s *captureSink) Publish(ctx context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) snapshot() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

func sampleFor(device string) eeg.Sample {
	return eeg.Sample{
		Timestamp: time.Now(),
		DeviceID:  device,
		Model:     "ps1",
		Channels:  []string{"CH1"},
		Values:    []float64{1.5},
	}
}

func TestBatcherFlushesWhenFull(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(zap.NewNop(), sink, "dev-full", "ps1",
		WithMaxBatch(3), WithFlushInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)
	<-b.Ready()

	for i := 0; i < 3; i++ {
		b.Offer(sampleFor("dev-full"))
	}
	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := sink.snapshot()[0]
	assert.Len(t, got.Samples, 3)
	assert.Equal(t, "dev-full", got.DeviceID)
	assert.Equal(t, b.SessionID(), got.SessionID)
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(zap.NewNop(), sink, "dev-tick", "ps1",
		WithMaxBatch(1000), WithFlushInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)
	<-b.Ready()

	b.Offer(sampleFor("dev-tick"))
	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, sink.snapshot()[0].Samples, 1)
}

func TestBatcherFlushesPendingOnShutdown(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(zap.NewNop(), sink, "dev-stop", "ps1",
		WithMaxBatch(1000), WithFlushInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()
	<-b.Ready()

	b.Offer(sampleFor("dev-stop"))
	b.Offer(sampleFor("dev-stop"))
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batcher did not shut down")
	}
	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Len(t, got[0].Samples, 2)
}

func TestOfferNeverBlocks(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(zap.NewNop(), sink, "dev-drop", "ps1")

	// no Start running: the inbox fills and further offers must drop
	done := make(chan struct{})
	go func() {
		for i := 0; i < inboxSize*2; i++ {
			b.Offer(sampleFor("dev-drop"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Offer blocked on a full inbox")
	}
}

func TestSessionIDsAreUniquePerBatcher(t *testing.T) {
	sink := &captureSink{}
	a := NewBatcher(zap.NewNop(), sink, "dev", "ps1")
	b := NewBatcher(zap.NewNop(), sink, "dev", "ps1")
	assert.NotEqual(t, a.SessionID(), b.SessionID())
}

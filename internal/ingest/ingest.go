// Package ingest batches decoded samples per device and forwards them to a
// delivery sink. Batches flush on a fixed interval or when full, whichever
// comes first; a slow or absent sink never blocks sample production, it
// drops and counts instead.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencortex/eeg-agent/internal/eeg"
)

// Batch is one flush worth of samples from a single device session.
type Batch struct {
	SessionID string       `json:"sessionId"`
	DeviceID  string       `json:"deviceId"`
	Model     string       `json:"model"`
	Samples   []eeg.Sample `json:"samples"`
	FlushedAt time.Time    `json:"flushedAt"`
}

// Sink delivers batches somewhere: a broker, a log, a file.
type Sink interface {
	Publish(ctx context.Context, batch Batch) error
	Close() error
}

const (
	defaultMaxBatch = 64
	defaultInterval = 250 * time.Millisecond
	inboxSize       = 1024
)

type batcherOptions struct {
	maxBatch int
	interval time.Duration
}

type BatcherOption func(*batcherOptions)

// WithMaxBatch sets the sample count that forces an early flush.
func WithMaxBatch(n int) BatcherOption {
	return func(o *batcherOptions) { o.maxBatch = n }
}

// WithFlushInterval sets the periodic flush cadence.
func WithFlushInterval(d time.Duration) BatcherOption {
	return func(o *batcherOptions) { o.interval = d }
}

// Batcher accumulates one device's samples. Each streaming session gets a
// fresh batcher and a fresh session id.
type Batcher struct {
	log       *zap.Logger
	sink      Sink
	deviceID  string
	model     string
	sessionID string
	options   batcherOptions

	in    chan eeg.Sample
	ready chan struct{}
}

func NewBatcher(log *zap.Logger, sink Sink, deviceID, model string, opts ...BatcherOption) *Batcher {
	o := batcherOptions{maxBatch: defaultMaxBatch, interval: defaultInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return &Batcher{
		log:       log,
		sink:      sink,
		deviceID:  deviceID,
		model:     model,
		sessionID: uuid.NewString(),
		options:   o,
		in:        make(chan eeg.Sample, inboxSize),
		ready:     make(chan struct{}),
	}
}

// SessionID returns the id stamped on every batch this batcher emits.
func (b *Batcher) SessionID() string { return b.sessionID }

// Offer enqueues a sample without blocking. When the inbox is full the
// sample is dropped and counted.
func (b *Batcher) Offer(s eeg.Sample) {
	select {
	case b.in <- s:
		samplesIngested.WithLabelValues(b.deviceID).Inc()
	default:
		samplesDropped.WithLabelValues(b.deviceID).Inc()
	}
}

func (b *Batcher) Ready() <-chan struct{} {
	return b.ready
}

// Start runs the flush loop until the context ends. Pending samples are
// flushed once more on shutdown with a short grace deadline.
func (b *Batcher) Start(ctx context.Context) error {
	close(b.ready)
	ticker := time.NewTicker(b.options.interval)
	defer ticker.Stop()

	pending := make([]eeg.Sample, 0, b.options.maxBatch)
	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		batch := Batch{
			SessionID: b.sessionID,
			DeviceID:  b.deviceID,
			Model:     b.model,
			Samples:   pending,
			FlushedAt: time.Now(),
		}
		if err := b.sink.Publish(ctx, batch); err != nil {
			flushErrors.WithLabelValues(b.deviceID).Inc()
			b.log.Warn("batch publish failed",
				zap.String("device", b.deviceID), zap.Int("samples", len(pending)), zap.Error(err))
		} else {
			flushes.WithLabelValues(b.deviceID).Inc()
		}
		pending = make([]eeg.Sample, 0, b.options.maxBatch)
	}

	for {
		select {
		case <-ctx.Done():
			// drain whatever already arrived, then flush once
			for {
				select {
				case s := <-b.in:
					pending = append(pending, s)
					continue
				default:
				}
				break
			}
			graceCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			flush(graceCtx)
			cancel()
			return nil
		case s := <-b.in:
			pending = append(pending, s)
			if len(pending) >= b.options.maxBatch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

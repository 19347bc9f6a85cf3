package ingest

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes batch summaries to the structured log. Useful standalone
// when no broker is configured, and as a development tap.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, batch Batch) error {
	s.log.Info("batch flushed",
		zap.String("session", batch.SessionID),
		zap.String("device", batch.DeviceID),
		zap.Int("samples", len(batch.Samples)),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }

var _ Sink = (*LogSink)(nil)

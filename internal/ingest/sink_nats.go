package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSink publishes batches to a NATS subject per device, fire and forget.
// Delivery is best effort: the agent keeps acquiring even when the broker is
// down, and reconnects are left to the client library.
type NATSSink struct {
	log           *zap.Logger
	nc            *nats.Conn
	subjectPrefix string
}

// NewNATSSink connects to the broker. An empty subjectPrefix defaults to
// "eeg.samples".
func NewNATSSink(log *zap.Logger, url, subjectPrefix string) (*NATSSink, error) {
	if subjectPrefix == "" {
		subjectPrefix = "eeg.samples"
	}
	nc, err := nats.Connect(url,
		nats.Name("eeg-agent"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSSink{log: log, nc: nc, subjectPrefix: subjectPrefix}, nil
}

func (s *NATSSink) Publish(ctx context.Context, batch Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", s.subjectPrefix, batch.DeviceID)
	if err := s.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return err
	}
	return nil
}

var _ Sink = (*NATSSink)(nil)

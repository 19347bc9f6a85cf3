// Package bletrans adapts BLE GATT notification streams to the common
// transport contract. Frames arrive asynchronously from the shared BLE
// runtime; the handle either buffers them for a polling ReadFrame caller or
// hands them straight to an armed callback.
package bletrans

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencortex/eeg-agent/internal/blebridge"
	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/transport"
)

// frameBuffer bounds how many notified frames a polling consumer can fall
// behind before the oldest are dropped.
const frameBuffer = 16

type Adapter struct {
	log        *zap.Logger
	bridge     *blebridge.Bridge
	scanWindow time.Duration
}

func New(log *zap.Logger, bridge *blebridge.Bridge) *Adapter {
	return &Adapter{log: log, bridge: bridge, scanWindow: 3 * time.Second}
}

func (a *Adapter) Kind() eeg.ConnectionKind {
	return eeg.ConnectionBLE
}

func (a *Adapter) Scan(ctx context.Context) ([]eeg.TransportDescriptor, error) {
	return a.bridge.Scan(ctx, a.scanWindow)
}

func (a *Adapter) Connect(ctx context.Context, td eeg.TransportDescriptor, desc eeg.DeviceDescriptor) (transport.Handle, error) {
	sess, err := a.bridge.Connect(ctx, td.Path)
	if err != nil {
		return nil, err
	}
	h := &handle{
		log:    a.log,
		sess:   sess,
		frames: make(chan []byte, frameBuffer),
	}
	if err := sess.Subscribe(ctx, h.onNotify); err != nil {
		sess.Close(context.Background())
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionBLE, Reason: "arm notifications", Err: err}
	}
	return h, nil
}

type handle struct {
	log  *zap.Logger
	sess *blebridge.Session

	mu     sync.Mutex
	fn     func(frame []byte)
	closed bool

	frames chan []byte
}

func (h *handle) Kind() eeg.ConnectionKind { return eeg.ConnectionBLE }

func (h *handle) Serial() string { return h.sess.Serial() }

// onNotify runs on the BLE runtime once per notification. The payload is
// copied because the runtime reuses its buffer.
func (h *handle) onNotify(frame []byte) {
	data := make([]byte, len(frame))
	copy(data, frame)

	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		fn(data)
		return
	}
	for {
		select {
		case h.frames <- data:
			return
		default:
			// full: drop the oldest frame, keep the newest
			select {
			case <-h.frames:
			default:
			}
		}
	}
}

// OnFrame switches the handle from polled to push delivery.
func (h *handle) OnFrame(fn func(frame []byte)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &eeg.ConnectionError{Kind: eeg.ConnectionBLE, Reason: "handle is closed"}
	}
	h.fn = fn
	return nil
}

// StopNotify reverts to polled delivery without tearing the session down.
func (h *handle) StopNotify() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fn = nil
	return nil
}

func (h *handle) ReadFrame(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-h.frames:
		return frame, nil
	case <-timer.C:
		return nil, nil
	}
}

func (h *handle) Disconnect() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.fn = nil
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sess.Unsubscribe(ctx); err != nil {
		h.log.Debug("unsubscribe on disconnect failed", zap.Error(err))
	}
	return h.sess.Close(ctx)
}

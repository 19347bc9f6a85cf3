// Package transporttest provides in-memory fakes of the transport contract
// for exercising the strategy selector, the device state machine and the
// manager without hardware.
package transporttest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/transport"
)

// Handle is a scriptable transport handle. Frames pushed with Push are
// returned by ReadFrame in order; an empty queue reads as a timeout.
type Handle struct {
	KindValue   eeg.ConnectionKind
	SerialValue string

	mu     sync.Mutex
	frames [][]byte

	Disconnects atomic.Int64
	Wakes       atomic.Int64
	ReadErr     error
}

func NewHandle(kind eeg.ConnectionKind, serial string) *Handle {
	return &Handle{KindValue: kind, SerialValue: serial}
}

func (h *Handle) Kind() eeg.ConnectionKind { return h.KindValue }

func (h *Handle) Serial() string { return h.SerialValue }

// Push queues frames for subsequent ReadFrame calls.
func (h *Handle) Push(frames ...[]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frames...)
}

func (h *Handle) ReadFrame(timeout time.Duration) ([]byte, error) {
	if h.ReadErr != nil {
		return nil, h.ReadErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.frames) == 0 {
		// behave like a short poll timeout without burning the test's clock
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	frame := h.frames[0]
	h.frames = h.frames[1:]
	return frame, nil
}

func (h *Handle) Wake() error {
	h.Wakes.Inc()
	return nil
}

func (h *Handle) Disconnect() error {
	h.Disconnects.Inc()
	return nil
}

var _ transport.Handle = (*Handle)(nil)
var _ transport.Waker = (*Handle)(nil)

// Adapter is a scriptable transport adapter.
type Adapter struct {
	KindValue  eeg.ConnectionKind
	ScanResult []eeg.TransportDescriptor
	ConnectErr error
	// ConnectDelay stalls Connect before it returns, to widen race windows
	// in tests.
	ConnectDelay time.Duration
	// HandleFn builds the handle returned by Connect. Nil means a fresh
	// empty Handle.
	HandleFn func() transport.Handle

	Connects atomic.Int64
}

func (a *Adapter) Kind() eeg.ConnectionKind { return a.KindValue }

func (a *Adapter) Scan(ctx context.Context) ([]eeg.TransportDescriptor, error) {
	return a.ScanResult, nil
}

func (a *Adapter) Connect(ctx context.Context, td eeg.TransportDescriptor, desc eeg.DeviceDescriptor) (transport.Handle, error) {
	a.Connects.Inc()
	if a.ConnectDelay > 0 {
		time.Sleep(a.ConnectDelay)
	}
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	if a.HandleFn != nil {
		return a.HandleFn(), nil
	}
	return NewHandle(a.KindValue, td.Serial), nil
}

var _ transport.Adapter = (*Adapter)(nil)

// Package transport defines the uniform adapter contract every physical
// medium implements: scan for endpoints, connect to one, read frames,
// disconnect. One adapter exists per medium (USB bulk, HID report, BLE GATT
// notify, SPI/GPIO poll, out-of-process); the device layer never talks to a
// medium directly.
package transport

import (
	"context"
	"time"

	"github.com/opencortex/eeg-agent/internal/eeg"
)

// Adapter is one connection medium.
type Adapter interface {
	Kind() eeg.ConnectionKind
	// Scan enumerates endpoints currently visible on this medium. A scan
	// classifies nothing and opens nothing.
	Scan(ctx context.Context) ([]eeg.TransportDescriptor, error)
	// Connect opens the endpoint and prepares it for streaming. The
	// returned handle is exclusively owned by one device instance.
	Connect(ctx context.Context, td eeg.TransportDescriptor, desc eeg.DeviceDescriptor) (Handle, error)
}

// Handle is one open connection.
//
// ReadFrame blocks up to timeout for the next raw frame. A timeout is not
// an error: it returns (nil, nil). Disconnect must be idempotent and must
// tolerate a handle that never finished connecting; it sends any hardware
// STOP command before releasing the OS handle.
type Handle interface {
	Kind() eeg.ConnectionKind
	// Serial is the device serial as discovered at connect time. May be
	// empty for media that cannot read one.
	Serial() string
	ReadFrame(timeout time.Duration) ([]byte, error)
	Disconnect() error
}

// Notifier is implemented by push-based handles (BLE). Arming the callback
// replaces polling: the callback fires once per notified frame from the
// shared BLE runtime. The device layer branches on this capability.
type Notifier interface {
	OnFrame(fn func(frame []byte)) error
	StopNotify() error
}

// Stopper is implemented by handles whose hardware keeps converting until
// told otherwise (SPI front ends). StopStream halts conversions without
// releasing the handle; Disconnect still stops implicitly.
type Stopper interface {
	StopStream() error
}

// Waker is implemented by handles that support a hardware wake sequence,
// re-sent after repeated decode failures or read timeouts before the device
// is declared unavailable.
type Waker interface {
	Wake() error
}

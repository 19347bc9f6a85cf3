// Package hidtrans reads raw input reports from HID class devices through
// hidapi. Reads are blocking with a timeout; the report size is probed at
// connect time because dongle firmware revisions disagree about it.
package hidtrans

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sstallion/go-hid"
	"go.uber.org/zap"

	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/transport"
)

// emptyReadLimit is how many consecutive empty reads we tolerate at one
// packet size before trying the next candidate size.
const emptyReadLimit = 4

// activation is the feature report that switches the headset radio into
// continuous streaming, also re-sent as the wake sequence.
var activation = []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

type Adapter struct {
	log      *zap.Logger
	initOnce sync.Once
}

func New(log *zap.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Kind() eeg.ConnectionKind {
	return eeg.ConnectionHID
}

func (a *Adapter) init() {
	a.initOnce.Do(func() {
		hid.Init()
	})
}

func (a *Adapter) Scan(ctx context.Context) ([]eeg.TransportDescriptor, error) {
	a.init()
	var out []eeg.TransportDescriptor
	err := hid.Enumerate(hid.VendorIDAny, hid.ProductIDAny, func(info *hid.DeviceInfo) error {
		out = append(out, eeg.TransportDescriptor{
			Kind:         eeg.ConnectionHID,
			VendorID:     info.VendorID,
			ProductID:    info.ProductID,
			Serial:       info.SerialNbr,
			Path:         info.Path,
			Manufacturer: info.MfrStr,
			Product:      info.ProductStr,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hid enumeration failed: %w", err)
	}
	return out, nil
}

func (a *Adapter) Connect(ctx context.Context, td eeg.TransportDescriptor, desc eeg.DeviceDescriptor) (transport.Handle, error) {
	a.init()
	dev, err := hid.OpenPath(td.Path)
	if err != nil {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionHID, Reason: fmt.Sprintf("open %s", td.Path), Err: err}
	}
	sizes := append([]int{desc.PacketSize}, desc.AltPacketSizes...)
	h := &handle{
		log:    a.log,
		dev:    dev,
		serial: td.Serial,
		sizes:  sizes,
	}
	if _, err := dev.SendFeatureReport(activation); err != nil {
		// some dongles stream without activation; log and carry on
		a.log.Debug("activation report rejected", zap.String("path", td.Path), zap.Error(err))
	}
	return h, nil
}

type handle struct {
	log    *zap.Logger
	serial string

	mu         sync.Mutex
	dev        *hid.Device
	sizes      []int
	sizeIdx    int
	probed     bool
	emptyReads int
}

func (h *handle) Kind() eeg.ConnectionKind { return eeg.ConnectionHID }

func (h *handle) Serial() string { return h.serial }

// ReadFrame performs one blocking read at the current candidate packet
// size. The first size that returns data is remembered for the rest of the
// connection; repeated empty reads before that rotate to the next size.
func (h *handle) ReadFrame(timeout time.Duration) ([]byte, error) {
	h.mu.Lock()
	dev := h.dev
	size := h.sizes[h.sizeIdx]
	h.mu.Unlock()
	if dev == nil {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionHID, Reason: "handle is closed"}
	}

	buf := make([]byte, size)
	n, err := dev.ReadWithTimeout(buf, timeout)
	if err != nil {
		return nil, fmt.Errorf("hid read: %w", err)
	}
	if n == 0 {
		h.onEmptyRead()
		return nil, nil
	}
	h.mu.Lock()
	if !h.probed {
		h.probed = true
		h.log.Debug("probed hid packet size", zap.Int("size", size))
	}
	h.emptyReads = 0
	h.mu.Unlock()
	return buf[:n], nil
}

func (h *handle) onEmptyRead() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.probed {
		return
	}
	h.emptyReads++
	if h.emptyReads >= emptyReadLimit && len(h.sizes) > 1 {
		h.emptyReads = 0
		h.sizeIdx = (h.sizeIdx + 1) % len(h.sizes)
		h.log.Debug("rotating hid packet size", zap.Int("size", h.sizes[h.sizeIdx]))
	}
}

func (h *handle) Wake() error {
	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	if dev == nil {
		return &eeg.ConnectionError{Kind: eeg.ConnectionHID, Reason: "handle is closed"}
	}
	_, err := dev.SendFeatureReport(activation)
	return err
}

func (h *handle) Disconnect() error {
	h.mu.Lock()
	dev := h.dev
	h.dev = nil
	h.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.Close()
}

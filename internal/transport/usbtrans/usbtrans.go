// Package usbtrans streams frames from the headset radio dongle over a USB
// bulk IN endpoint. It is the primary transport for the headset family; the
// HID data channel rides on top of the same dongle and is opened separately.
package usbtrans

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/transport"
)

// knownVendors limits bulk scanning to vendors we can classify. Scanning
// every USB device would mean opening string descriptors on hubs, webcams
// and whatever else is on the bus.
var knownVendors = []gousb.ID{0x21A1}

type Adapter struct {
	log *zap.Logger

	mu  sync.Mutex
	usb *gousb.Context
}

func New(log *zap.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Kind() eeg.ConnectionKind {
	return eeg.ConnectionUSB
}

func (a *Adapter) ctx() *gousb.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.usb == nil {
		a.usb = gousb.NewContext()
	}
	return a.usb
}

// Close releases the libusb context. Only the agent shutdown path calls it.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.usb == nil {
		return nil
	}
	err := a.usb.Close()
	a.usb = nil
	return err
}

func isKnownVendor(id gousb.ID) bool {
	for _, v := range knownVendors {
		if id == v {
			return true
		}
	}
	return false
}

func (a *Adapter) Scan(ctx context.Context) ([]eeg.TransportDescriptor, error) {
	devs, err := a.ctx().OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return isKnownVendor(desc.Vendor)
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("usb enumeration failed: %w", err)
	}
	var out []eeg.TransportDescriptor
	for _, dev := range devs {
		td := eeg.TransportDescriptor{
			Kind:      eeg.ConnectionUSB,
			VendorID:  uint16(dev.Desc.Vendor),
			ProductID: uint16(dev.Desc.Product),
			Path:      fmt.Sprintf("%d:%d", dev.Desc.Bus, dev.Desc.Address),
		}
		if s, err := dev.SerialNumber(); err == nil {
			td.Serial = s
		}
		if s, err := dev.Manufacturer(); err == nil {
			td.Manufacturer = s
		}
		if s, err := dev.Product(); err == nil {
			td.Product = s
		}
		out = append(out, td)
		dev.Close()
	}
	return out, nil
}

func (a *Adapter) Connect(ctx context.Context, td eeg.TransportDescriptor, desc eeg.DeviceDescriptor) (transport.Handle, error) {
	devs, err := a.ctx().OpenDevices(func(d *gousb.DeviceDesc) bool {
		return uint16(d.Vendor) == td.VendorID && uint16(d.Product) == td.ProductID &&
			fmt.Sprintf("%d:%d", d.Bus, d.Address) == td.Path
	})
	if err != nil && len(devs) == 0 {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionUSB, Reason: "open device", Err: err}
	}
	if len(devs) == 0 {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionUSB, Reason: fmt.Sprintf("no device at %s", td.Path)}
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		extra.Close()
	}

	if err := dev.SetAutoDetach(true); err != nil {
		a.log.Debug("auto-detach not supported", zap.Error(err))
	}
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionUSB, Reason: "claim configuration", Err: err}
	}
	intf, ep, err := findInEndpoint(cfg)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionUSB, Reason: "locate IN endpoint", Err: err}
	}
	return &handle{
		log:    a.log,
		serial: td.Serial,
		dev:    dev,
		cfg:    cfg,
		intf:   intf,
		ep:     ep,
		size:   desc.PacketSize,
	}, nil
}

// findInEndpoint claims the first interface exposing a bulk or interrupt IN
// endpoint.
func findInEndpoint(cfg *gousb.Config) (*gousb.Interface, *gousb.InEndpoint, error) {
	for _, ifDesc := range cfg.Desc.Interfaces {
		for _, alt := range ifDesc.AltSettings {
			for _, epDesc := range alt.Endpoints {
				if epDesc.Direction != gousb.EndpointDirectionIn {
					continue
				}
				if epDesc.TransferType != gousb.TransferTypeBulk && epDesc.TransferType != gousb.TransferTypeInterrupt {
					continue
				}
				intf, err := cfg.Interface(ifDesc.Number, alt.Alternate)
				if err != nil {
					return nil, nil, err
				}
				ep, err := intf.InEndpoint(epDesc.Number)
				if err != nil {
					intf.Close()
					return nil, nil, err
				}
				return intf, ep, nil
			}
		}
	}
	return nil, nil, errors.New("no IN endpoint found")
}

type handle struct {
	log    *zap.Logger
	serial string
	size   int

	mu   sync.Mutex
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	ep   *gousb.InEndpoint
}

func (h *handle) Kind() eeg.ConnectionKind { return eeg.ConnectionUSB }

func (h *handle) Serial() string { return h.serial }

func (h *handle) ReadFrame(timeout time.Duration) ([]byte, error) {
	h.mu.Lock()
	ep := h.ep
	h.mu.Unlock()
	if ep == nil {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionUSB, Reason: "handle is closed"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	buf := make([]byte, h.size)
	n, err := ep.ReadContext(ctx, buf)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gousb.TransferTimedOut) {
			return nil, nil
		}
		return nil, fmt.Errorf("usb read: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

func (h *handle) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev == nil {
		return nil
	}
	if h.intf != nil {
		h.intf.Close()
		h.intf = nil
	}
	if h.cfg != nil {
		h.cfg.Close()
		h.cfg = nil
	}
	err := h.dev.Close()
	h.dev = nil
	h.ep = nil
	return err
}

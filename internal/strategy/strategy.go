// Package strategy picks a working transport for devices that support more
// than one. Candidates are tried in a fixed priority order; the first
// success wins. A candidate that half-connects must tear itself down before
// the next one runs, so no partial state survives between attempts.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/transport"
)

// Candidate is one way of reaching a device.
type Candidate struct {
	Name    string
	Connect func(ctx context.Context) (transport.Handle, error)
}

// Select tries candidates in order and returns the first live handle. When
// all fail it returns one aggregated error naming every attempted strategy.
func Select(ctx context.Context, log *zap.Logger, candidates []Candidate) (transport.Handle, error) {
	if len(candidates) == 0 {
		return nil, eeg.ErrNoStrategy
	}
	var attempts []error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, err)
			break
		}
		handle, err := c.Connect(ctx)
		if err == nil && handle != nil {
			log.Debug("strategy connected", zap.String("strategy", c.Name))
			return handle, nil
		}
		if err == nil {
			err = errors.New("connect returned no handle")
		}
		log.Debug("strategy failed", zap.String("strategy", c.Name), zap.Error(err))
		attempts = append(attempts, fmt.Errorf("%s: %w", c.Name, err))
	}
	return nil, fmt.Errorf("all connection strategies failed: %w", errors.Join(attempts...))
}

// Combined builds a primary+secondary candidate: the primary opens a
// carrier (e.g. the USB radio dongle) and the secondary opens the data
// channel on top of it. A secondary failure fully tears down the primary
// before the selector moves on.
func Combined(name string, primary, secondary Candidate) Candidate {
	return Candidate{
		Name: name,
		Connect: func(ctx context.Context) (transport.Handle, error) {
			carrier, err := primary.Connect(ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", primary.Name, err)
			}
			data, err := secondary.Connect(ctx)
			if err != nil {
				if derr := carrier.Disconnect(); derr != nil {
					return nil, fmt.Errorf("%s: %w (carrier teardown also failed: %v)", secondary.Name, err, derr)
				}
				return nil, fmt.Errorf("%s: %w", secondary.Name, err)
			}
			return &combinedHandle{carrier: carrier, data: data}, nil
		},
	}
}

// combinedHandle streams from the data channel while keeping the carrier
// open for the lifetime of the connection.
type combinedHandle struct {
	carrier transport.Handle
	data    transport.Handle
}

func (h *combinedHandle) Kind() eeg.ConnectionKind { return h.data.Kind() }

func (h *combinedHandle) Serial() string {
	if s := h.data.Serial(); s != "" {
		return s
	}
	return h.carrier.Serial()
}

func (h *combinedHandle) ReadFrame(timeout time.Duration) ([]byte, error) {
	return h.data.ReadFrame(timeout)
}

func (h *combinedHandle) Wake() error {
	if w, ok := h.data.(transport.Waker); ok {
		return w.Wake()
	}
	if w, ok := h.carrier.(transport.Waker); ok {
		return w.Wake()
	}
	return nil
}

func (h *combinedHandle) Disconnect() error {
	err := h.data.Disconnect()
	if cerr := h.carrier.Disconnect(); err == nil {
		err = cerr
	}
	return err
}

// Plan assembles the candidate list for one device from the transports its
// descriptor allows and the endpoints the scan actually found. Priority:
// USB carrier with HID data channel, HID alone, USB alone, BLE, SPI, proc.
func Plan(
	adapters map[eeg.ConnectionKind]transport.Adapter,
	desc eeg.DeviceDescriptor,
	endpoints map[eeg.ConnectionKind]eeg.TransportDescriptor,
) []Candidate {
	supported := make(map[eeg.ConnectionKind]bool, len(desc.Connections))
	for _, k := range desc.Connections {
		supported[k] = true
	}
	// the out-of-process wrapper can stand in for any medium
	supported[eeg.ConnectionProc] = true
	simple := func(kind eeg.ConnectionKind) (Candidate, bool) {
		adapter, okA := adapters[kind]
		td, okT := endpoints[kind]
		if !supported[kind] || !okA || !okT {
			return Candidate{}, false
		}
		return Candidate{
			Name: string(kind),
			Connect: func(ctx context.Context) (transport.Handle, error) {
				return adapter.Connect(ctx, td, desc)
			},
		}, true
	}

	var out []Candidate
	usb, haveUSB := simple(eeg.ConnectionUSB)
	hid, haveHID := simple(eeg.ConnectionHID)
	if haveUSB && haveHID {
		out = append(out, Combined("usb+hid", usb, hid))
	}
	if haveHID {
		out = append(out, hid)
	}
	if haveUSB {
		out = append(out, usb)
	}
	for _, kind := range []eeg.ConnectionKind{eeg.ConnectionBLE, eeg.ConnectionSPIGPIO, eeg.ConnectionProc} {
		if c, ok := simple(kind); ok {
			out = append(out, c)
		}
	}
	return out
}

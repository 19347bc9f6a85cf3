// Package devsvc implements the per-device lifecycle state machine:
// disconnected, connected, streaming. A device instance owns its transport
// handle, crypto context and calibration profile exclusively; the sampling
// loop only appends statistics and invokes callbacks.
package devsvc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/framecrypt"
	"github.com/opencortex/eeg-agent/internal/frameparse"
	"github.com/opencortex/eeg-agent/internal/sensormap"
	"github.com/opencortex/eeg-agent/internal/strategy"
	"github.com/opencortex/eeg-agent/internal/transport"
)

// SampleFunc receives every produced sample, on whichever goroutine or
// runtime produced it. Handler thread-safety is the caller's concern.
type SampleFunc func(sample eeg.Sample)

// ErrorFunc receives recoverable errors. Frame-level failures never stop
// the sampling loop; they arrive here and bump counters.
type ErrorFunc func(err error)

// BatteryFunc receives battery readings decoded from battery frames.
type BatteryFunc func(percent int)

var defaultOptions = options{
	readTimeout:   time.Second,
	stopTimeout:   2 * time.Second,
	wakeThreshold: 8,
	wakeBudget:    3,
	calibWindow:   2 * time.Second,
}

type options struct {
	readTimeout   time.Duration
	stopTimeout   time.Duration
	wakeThreshold int
	wakeBudget    int
	calibWindow   time.Duration
}

type Option func(*options)

// WithReadTimeout bounds a single blocking read.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithStopTimeout bounds how long StopStreaming waits for the loop to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) { o.stopTimeout = d }
}

// WithWakeBudget sets the consecutive-failure threshold that triggers a
// hardware wake and how many wakes are attempted before a hard failure.
func WithWakeBudget(threshold, budget int) Option {
	return func(o *options) {
		o.wakeThreshold = threshold
		o.wakeBudget = budget
	}
}

// WithCalibrationWindow sets the baseline collection duration.
func WithCalibrationWindow(d time.Duration) Option {
	return func(o *options) { o.calibWindow = d }
}

// Device is one live device instance. Created by the manager, which is its
// exclusive owner.
type Device struct {
	log     *zap.Logger
	id      string
	desc    eeg.DeviceDescriptor
	options options

	adapters map[eeg.ConnectionKind]transport.Adapter

	// connectMu serializes Connect and Disconnect so two racing connects
	// cannot both open hardware; it is always taken before mu
	connectMu sync.Mutex

	mu        sync.Mutex
	state     eeg.State
	endpoints map[eeg.ConnectionKind]eeg.TransportDescriptor
	handle    transport.Handle
	crypto    *framecrypt.Context
	smap      sensormap.Map
	calib     eeg.CalibrationProfile

	onSample  SampleFunc
	onError   ErrorFunc
	onBattery BatteryFunc

	stopCh   chan struct{}
	loopDone chan struct{}

	samples      atomic.Uint64
	decodeErrors atomic.Uint64
	readErrors   atomic.Uint64
	readTimeouts atomic.Uint64
	wakeAttempts atomic.Uint64
	loopLeaked   atomic.Bool
	battery      atomic.Int64
	startedAt    time.Time

	collector *baselineCollector
}

// New validates the descriptor and builds a disconnected instance.
func New(log *zap.Logger, id string, desc eeg.DeviceDescriptor, adapters map[eeg.ConnectionKind]transport.Adapter, opts ...Option) (*Device, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Device{
		log:       log,
		id:        id,
		desc:      desc,
		options:   o,
		adapters:  adapters,
		state:     eeg.StateDisconnected,
		endpoints: make(map[eeg.ConnectionKind]eeg.TransportDescriptor),
		battery:   *atomic.NewInt64(-1),
	}, nil
}

func (d *Device) ID() string { return d.id }

func (d *Device) Descriptor() eeg.DeviceDescriptor { return d.desc }

// SetEndpoints records the scanned endpoints this device is reachable at.
// Only honored while disconnected.
func (d *Device) SetEndpoints(endpoints map[eeg.ConnectionKind]eeg.TransportDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != eeg.StateDisconnected {
		return
	}
	d.endpoints = endpoints
}

// OnSample registers the sample callback. Must be set before streaming.
func (d *Device) OnSample(fn SampleFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSample = fn
}

// OnError registers the recoverable-error callback.
func (d *Device) OnError(fn ErrorFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = fn
}

// OnBattery registers the battery reading callback.
func (d *Device) OnBattery(fn BatteryFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onBattery = fn
}

// SetCalibration installs a previously persisted calibration profile.
func (d *Device) SetCalibration(p eeg.CalibrationProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calib = p
}

// Calibration returns the current profile.
func (d *Device) Calibration() eeg.CalibrationProfile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calib
}

// State returns the current lifecycle state.
func (d *Device) State() eeg.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats snapshots the streaming statistics.
func (d *Device) Stats() eeg.Stats {
	d.mu.Lock()
	startedAt := d.startedAt
	degraded := d.crypto != nil && d.crypto.Degraded()
	d.mu.Unlock()
	return eeg.Stats{
		Samples:       d.samples.Load(),
		DecodeErrors:  d.decodeErrors.Load(),
		ReadErrors:    d.readErrors.Load(),
		ReadTimeouts:  d.readTimeouts.Load(),
		WakeAttempts:  d.wakeAttempts.Load(),
		LoopLeaked:    d.loopLeaked.Load(),
		CryptoDegrade: degraded,
		StartedAt:     startedAt,
	}
}

// Battery returns the last decoded battery percentage, or -1 when none was
// seen yet.
func (d *Device) Battery() int {
	return int(d.battery.Load())
}

// Connect acquires a working transport through the strategy selector and
// prepares the crypto context and sensor map for the session. Calling it on
// an already connected device succeeds without reopening hardware.
func (d *Device) Connect(ctx context.Context) error {
	d.connectMu.Lock()
	defer d.connectMu.Unlock()

	d.mu.Lock()
	if d.state != eeg.StateDisconnected {
		d.mu.Unlock()
		return nil
	}
	endpoints := d.endpoints
	d.mu.Unlock()

	plan := strategy.Plan(d.adapters, d.desc, endpoints)
	handle, err := strategy.Select(ctx, d.log, plan)
	if err != nil {
		return err
	}

	smap, ok := sensormap.Lookup(d.desc.Model, d.desc.Format)
	if !ok {
		handle.Disconnect()
		return fmt.Errorf("%w: %s/%s", eeg.ErrUnknownFormat, d.desc.Model, d.desc.Format)
	}

	crypto := framecrypt.NewIdentity()
	if d.desc.Encrypted {
		serial := handle.Serial()
		if serial == "" {
			if td, ok := endpoints[handle.Kind()]; ok {
				serial = td.Serial
			}
		}
		crypto = framecrypt.New(serial, d.desc.Variant)
		if crypto.Degraded() {
			d.log.Warn("no usable serial, falling back to placeholder key; frames will not decode",
				zap.String("device", d.id), zap.String("transport", string(handle.Kind())))
		}
	}

	d.mu.Lock()
	d.handle = handle
	d.crypto = crypto
	d.smap = smap
	d.state = eeg.StateConnected
	d.mu.Unlock()
	d.log.Info("device connected", zap.String("device", d.id), zap.String("transport", string(handle.Kind())))
	return nil
}

// Disconnect stops streaming if needed and releases the transport handle
// along with the crypto context. Idempotent.
func (d *Device) Disconnect() error {
	d.connectMu.Lock()
	defer d.connectMu.Unlock()

	d.StopStreaming()

	d.mu.Lock()
	handle := d.handle
	d.handle = nil
	d.crypto = nil
	d.state = eeg.StateDisconnected
	d.mu.Unlock()
	if handle == nil {
		return nil
	}
	if err := handle.Disconnect(); err != nil {
		return fmt.Errorf("transport disconnect: %w", err)
	}
	d.log.Info("device disconnected", zap.String("device", d.id))
	return nil
}

// StartStreaming begins sample production. Blocking and polling transports
// get a dedicated loop goroutine; BLE handles arm their notification
// callback instead. Requires Connected; idempotent while Streaming.
func (d *Device) StartStreaming() error {
	d.mu.Lock()
	switch d.state {
	case eeg.StateStreaming:
		d.mu.Unlock()
		return nil
	case eeg.StateDisconnected:
		d.mu.Unlock()
		return &eeg.StreamingError{DeviceID: d.id, Reason: "not connected"}
	}
	handle := d.handle
	d.stopCh = make(chan struct{})
	d.loopDone = make(chan struct{})
	d.state = eeg.StateStreaming
	d.startedAt = time.Now()
	d.loopLeaked.Store(false)
	stopCh, loopDone := d.stopCh, d.loopDone
	d.mu.Unlock()

	// hardware that was halted by a previous stop needs its conversion
	// sequence rearmed
	if _, stops := handle.(transport.Stopper); stops {
		if waker, ok := handle.(transport.Waker); ok {
			if err := waker.Wake(); err != nil {
				d.log.Warn("rearming conversions failed", zap.String("device", d.id), zap.Error(err))
			}
		}
	}

	if notifier, ok := handle.(transport.Notifier); ok {
		if err := notifier.OnFrame(func(frame []byte) {
			d.process(frame)
		}); err != nil {
			d.mu.Lock()
			d.state = eeg.StateConnected
			d.mu.Unlock()
			return &eeg.StreamingError{DeviceID: d.id, Reason: fmt.Sprintf("arming notifications: %v", err)}
		}
		// no loop to wait for
		close(loopDone)
	} else {
		go d.samplingLoop(handle, stopCh, loopDone)
	}
	d.log.Info("streaming started", zap.String("device", d.id))
	return nil
}

// StopStreaming signals the loop to exit and waits up to the stop timeout.
// A loop that does not terminate in time is recorded as leaked and logged,
// but the call still succeeds: the instance is marked stopped either way.
func (d *Device) StopStreaming() error {
	d.mu.Lock()
	if d.state != eeg.StateStreaming {
		d.mu.Unlock()
		return nil
	}
	handle := d.handle
	stopCh, loopDone := d.stopCh, d.loopDone
	d.state = eeg.StateConnected
	d.mu.Unlock()

	if notifier, ok := handle.(transport.Notifier); ok {
		if err := notifier.StopNotify(); err != nil {
			d.log.Warn("disarming notifications failed", zap.String("device", d.id), zap.Error(err))
		}
	}
	close(stopCh)
	select {
	case <-loopDone:
	case <-time.After(d.options.stopTimeout):
		d.loopLeaked.Store(true)
		d.log.Warn("sampling loop did not terminate in time", zap.String("device", d.id))
	}

	// always attempt the hardware stop, even if the loop is already gone
	if stopper, ok := handle.(transport.Stopper); ok {
		if err := stopper.StopStream(); err != nil {
			d.log.Warn("hardware stop failed", zap.String("device", d.id), zap.Error(err))
		}
	}
	d.log.Info("streaming stopped", zap.String("device", d.id))
	return nil
}

// samplingLoop is the dedicated worker for blocking and polling transports.
// The stop flag is checked between iterations, never mid-read. HID and USB
// reads are paced at the device's nominal rate; polling transports run at
// whatever rate the hardware's ready signal allows.
func (d *Device) samplingLoop(handle transport.Handle, stopCh <-chan struct{}, loopDone chan<- struct{}) {
	defer close(loopDone)

	var pace time.Duration
	switch handle.Kind() {
	case eeg.ConnectionHID, eeg.ConnectionUSB:
		pace = time.Second / time.Duration(d.desc.SampleRate)
	}

	consecutiveFailures := 0
	wakesUsed := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		frame, err := handle.ReadFrame(d.options.readTimeout)
		switch {
		case err != nil:
			d.readErrors.Inc()
			d.emitError(err)
			consecutiveFailures++
		case frame == nil:
			d.readTimeouts.Inc()
			consecutiveFailures++
		default:
			if d.process(frame) {
				consecutiveFailures = 0
			} else {
				consecutiveFailures++
			}
		}

		if consecutiveFailures >= d.options.wakeThreshold {
			if wakesUsed >= d.options.wakeBudget {
				d.emitError(&eeg.StreamingError{DeviceID: d.id, Reason: "wake retry budget exhausted, device unavailable"})
				d.mu.Lock()
				if d.state == eeg.StateStreaming {
					d.state = eeg.StateConnected
				}
				d.mu.Unlock()
				return
			}
			wakesUsed++
			consecutiveFailures = 0
			d.wakeAttempts.Inc()
			if waker, ok := handle.(transport.Waker); ok {
				d.log.Warn("repeated read failures, sending wake sequence", zap.String("device", d.id), zap.Int("attempt", wakesUsed))
				if err := waker.Wake(); err != nil {
					d.emitError(fmt.Errorf("wake sequence: %w", err))
				}
			}
		}

		if pace > 0 {
			select {
			case <-stopCh:
				return
			case <-time.After(pace):
			}
		}
	}
}

// process turns one raw frame into a sample and delivers it. Returns false
// when the frame did not decode; all decode failures are swallowed here and
// surfaced only as counters plus the error callback.
func (d *Device) process(raw []byte) bool {
	d.mu.Lock()
	crypto := d.crypto
	smap := d.smap
	calib := d.calib
	onSample, onError, onBattery := d.onSample, d.onError, d.onBattery
	collector := d.collector
	d.mu.Unlock()
	if crypto == nil {
		return false
	}

	plain, err := crypto.DecryptFrame(raw)
	if err != nil {
		d.decodeErrors.Inc()
		if onError != nil {
			onError(&eeg.DecodeError{Stage: "decrypt", Reason: err.Error()})
		}
		return false
	}
	result := frameparse.Parse(smap, d.desc, plain)
	if result.Battery != nil {
		d.battery.Store(int64(*result.Battery))
		if onBattery != nil {
			onBattery(*result.Battery)
		}
	}
	if result.Empty() {
		if result.Battery != nil {
			// pure battery frame, not a decode failure
			return true
		}
		d.decodeErrors.Inc()
		if onError != nil {
			onError(&eeg.DecodeError{Stage: "parse", Reason: fmt.Sprintf("frame of %d bytes", len(plain))})
		}
		return false
	}

	channels := d.desc.AllChannels()
	values := make([]float64, len(channels))
	for i, name := range channels {
		values[i] = result.Values[name]
	}
	if collector != nil {
		collector.add(channels, values)
	}
	calib.Apply(channels, values)

	sample := eeg.Sample{
		Timestamp:   time.Now(),
		DeviceID:    d.id,
		Model:       d.desc.Model,
		SampleRate:  d.desc.SampleRate,
		Channels:    channels,
		Values:      values,
		Calibrated:  calib.Computed,
		Quality:     result.Quality,
		RawFrameLen: len(raw),
	}
	d.samples.Inc()
	if onSample != nil {
		onSample(sample)
	}
	return true
}

func (d *Device) emitError(err error) {
	d.mu.Lock()
	onError := d.onError
	d.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

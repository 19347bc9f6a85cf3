// Package managersvc owns the device registry and the control surface. It
// discovers devices by polling transport scans and by reacting to hotplug
// events, classifies them, and drives each one's lifecycle through the
// per-device state machine. All lifecycle events and recoverable errors fan
// out on a keyed bus.
package managersvc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jochenvg/go-udev"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/opencortex/eeg-agent/internal/detect"
	"github.com/opencortex/eeg-agent/internal/devsvc"
	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/ingest"
	"github.com/opencortex/eeg-agent/internal/transport"
	"github.com/opencortex/eeg-agent/pkg/bus"
)

// EventKind labels lifecycle events on the manager bus.
type EventKind string

const (
	EventDetected         EventKind = "detected"
	EventConnected        EventKind = "connected"
	EventDisconnected     EventKind = "disconnected"
	EventStreamingStarted EventKind = "streaming_started"
	EventStreamingStopped EventKind = "streaming_stopped"
	EventCalibrated       EventKind = "calibrated"
	EventBattery          EventKind = "battery"
	EventError            EventKind = "error"
	EventRemoved          EventKind = "removed"
)

// Event is one lifecycle occurrence, keyed on the bus by device id.
type Event struct {
	Kind     EventKind
	DeviceID string
	Battery  int
	Err      error
}

// Bus carries manager events keyed by device id.
type Bus = bus.Bus[string, Event]

// DeviceInfo is the control-surface view of one device.
type DeviceInfo struct {
	ID         string            `json:"id"`
	Model      string            `json:"model"`
	Serial     string            `json:"serial,omitempty"`
	Variant    eeg.DeviceVariant `json:"variant,omitempty"`
	State      eeg.State         `json:"state"`
	Transports []string          `json:"transports"`
	Battery    int               `json:"battery"`
	Calibrated bool              `json:"calibrated"`
	Stats      eeg.Stats         `json:"stats"`
}

type options struct {
	scanInterval time.Duration
	hotplug      bool
	deviceOpts   []devsvc.Option
	batcherOpts  []ingest.BatcherOption
}

type Option func(*options)

// WithScanInterval sets the periodic rescan cadence.
func WithScanInterval(d time.Duration) Option {
	return func(o *options) { o.scanInterval = d }
}

// WithHotplug toggles the udev hotplug monitor. Disabled in tests and on
// hosts without a udev netlink socket.
func WithHotplug(enabled bool) Option {
	return func(o *options) { o.hotplug = enabled }
}

// WithDeviceOptions forwards options to every created device instance.
func WithDeviceOptions(opts ...devsvc.Option) Option {
	return func(o *options) { o.deviceOpts = opts }
}

// WithBatcherOptions forwards options to every created sample batcher.
func WithBatcherOptions(opts ...ingest.BatcherOption) Option {
	return func(o *options) { o.batcherOpts = opts }
}

type deviceEntry struct {
	mu        sync.Mutex
	dev       *devsvc.Device
	desc      eeg.DeviceDescriptor
	endpoints map[eeg.ConnectionKind]eeg.TransportDescriptor
	batchStop context.CancelFunc
	removed   bool
}

// Manager is the device registry and control surface.
type Manager struct {
	log      *zap.Logger
	adapters map[eeg.ConnectionKind]transport.Adapter
	store    *Store
	sink     ingest.Sink
	events   *Bus
	options  options

	devices *xsync.MapOf[string, *deviceEntry]
	rescan  chan struct{}
	ready   chan struct{}

	runCtx context.Context
}

func New(
	log *zap.Logger,
	adapters map[eeg.ConnectionKind]transport.Adapter,
	store *Store,
	sink ingest.Sink,
	events *Bus,
	opts ...Option,
) *Manager {
	o := options{scanInterval: 5 * time.Second, hotplug: true}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		log:      log,
		adapters: adapters,
		store:    store,
		sink:     sink,
		events:   events,
		options:  o,
		devices:  xsync.NewMapOf[string, *deviceEntry](),
		rescan:   make(chan struct{}, 1),
		ready:    make(chan struct{}),
	}
}

func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Start runs the discovery loop until the context ends. Streaming devices
// are stopped and disconnected on shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.runCtx = ctx
	if m.options.hotplug {
		go m.watchHotplug(ctx)
	}
	if err := m.Scan(ctx); err != nil {
		m.log.Warn("initial scan failed", zap.Error(err))
	}
	close(m.ready)
	m.log.Info("device manager started", zap.Int("adapters", len(m.adapters)))

	ticker := time.NewTicker(m.options.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-ticker.C:
		case <-m.rescan:
		}
		if err := m.Scan(ctx); err != nil {
			m.log.Warn("scan failed", zap.Error(err))
		}
	}
}

func (m *Manager) shutdown() {
	m.devices.Range(func(id string, entry *deviceEntry) bool {
		if err := m.Disconnect(id); err != nil {
			m.log.Warn("shutdown disconnect failed", zap.String("device", id), zap.Error(err))
		}
		return true
	})
}

// Rescan requests an immediate scan pass without waiting for the ticker.
func (m *Manager) Rescan() {
	select {
	case m.rescan <- struct{}{}:
	default:
	}
}

// watchHotplug kicks a rescan whenever the kernel reports a device change
// on a subsystem we care about. Discovery itself stays in the scan path.
func (m *Manager) watchHotplug(ctx context.Context) {
	u := &udev.Udev{}
	mon := u.NewMonitorFromNetlink("udev")
	if mon == nil {
		m.log.Warn("udev monitor unavailable, relying on periodic scans")
		return
	}
	for _, subsystem := range []string{"hidraw", "usb"} {
		if err := mon.FilterAddMatchSubsystem(subsystem); err != nil {
			m.log.Warn("udev filter failed", zap.String("subsystem", subsystem), zap.Error(err))
		}
	}
	ch, err := mon.DeviceChan(ctx)
	if err != nil {
		m.log.Warn("udev monitor failed, relying on periodic scans", zap.Error(err))
		return
	}
	for range ch {
		m.Rescan()
	}
}

// deviceID prefers the hardware serial so the same physical device keeps one
// identity across transports and reboots.
func deviceID(desc eeg.DeviceDescriptor, td eeg.TransportDescriptor) string {
	if td.Serial != "" {
		return td.Serial
	}
	return fmt.Sprintf("%s-%s-%s", desc.Model, td.Kind, td.Path)
}

// Scan enumerates every adapter, classifies the endpoints and registers new
// devices. Endpoints of known devices are refreshed; nothing is opened.
func (m *Manager) Scan(ctx context.Context) error {
	for kind, adapter := range m.adapters {
		tds, err := adapter.Scan(ctx)
		if err != nil {
			m.log.Warn("adapter scan failed", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		for _, td := range tds {
			desc, ok := detect.Match(td)
			if !ok {
				continue
			}
			m.register(ctx, deviceID(desc, td), desc, td)
		}
	}
	devicesKnown.Set(float64(m.count()))
	return nil
}

func (m *Manager) count() int {
	n := 0
	m.devices.Range(func(_ string, entry *deviceEntry) bool {
		entry.mu.Lock()
		if !entry.removed {
			n++
		}
		entry.mu.Unlock()
		return true
	})
	return n
}

func (m *Manager) register(ctx context.Context, id string, desc eeg.DeviceDescriptor, td eeg.TransportDescriptor) {
	entry, loaded := m.devices.LoadOrCompute(id, func() *deviceEntry {
		return &deviceEntry{
			desc:      desc,
			endpoints: make(map[eeg.ConnectionKind]eeg.TransportDescriptor),
		}
	})
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		// a rescan after removal starts the device over as a new registration
		entry.removed = false
		entry.dev = nil
		entry.endpoints = make(map[eeg.ConnectionKind]eeg.TransportDescriptor)
		loaded = false
	}
	entry.endpoints[td.Kind] = td
	if entry.dev == nil {
		dev, err := devsvc.New(m.log, id, entry.desc, m.adapters, m.options.deviceOpts...)
		if err != nil {
			m.log.Error("invalid device descriptor", zap.String("device", id), zap.Error(err))
			m.devices.Delete(id)
			return
		}
		entry.dev = dev
		if profile, ok, err := m.store.LoadCalibration(id); err != nil {
			m.log.Warn("loading calibration failed", zap.String("device", id), zap.Error(err))
		} else if ok {
			dev.SetCalibration(profile)
		}
	}
	entry.dev.SetEndpoints(cloneEndpoints(entry.endpoints))
	if _, err := m.store.RecordSeen(id, entry.desc.Model, td.Serial); err != nil {
		m.log.Warn("recording device sighting failed", zap.String("device", id), zap.Error(err))
	}
	if !loaded {
		m.log.Info("device detected",
			zap.String("device", id), zap.String("model", desc.Model), zap.String("endpoint", td.String()))
		m.events.Publish(ctx, id, Event{Kind: EventDetected, DeviceID: id})
	}
}

// RegisterStatic adds a device that cannot be discovered by scanning, such
// as an SPI-attached board or an out-of-process endpoint from configuration.
func (m *Manager) RegisterStatic(ctx context.Context, id string, desc eeg.DeviceDescriptor, endpoints map[eeg.ConnectionKind]eeg.TransportDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	entry, loaded := m.devices.LoadOrCompute(id, func() *deviceEntry {
		return &deviceEntry{
			desc:      desc,
			endpoints: make(map[eeg.ConnectionKind]eeg.TransportDescriptor),
		}
	})
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return eeg.ErrAlreadyRemoved
	}
	for kind, td := range endpoints {
		entry.endpoints[kind] = td
	}
	if entry.dev == nil {
		dev, err := devsvc.New(m.log, id, entry.desc, m.adapters, m.options.deviceOpts...)
		if err != nil {
			m.devices.Delete(id)
			return err
		}
		entry.dev = dev
		if profile, ok, err := m.store.LoadCalibration(id); err == nil && ok {
			dev.SetCalibration(profile)
		}
	}
	entry.dev.SetEndpoints(cloneEndpoints(entry.endpoints))
	if !loaded {
		m.events.Publish(ctx, id, Event{Kind: EventDetected, DeviceID: id})
	}
	return nil
}

func cloneEndpoints(in map[eeg.ConnectionKind]eeg.TransportDescriptor) map[eeg.ConnectionKind]eeg.TransportDescriptor {
	out := make(map[eeg.ConnectionKind]eeg.TransportDescriptor, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *Manager) entry(id string) (*deviceEntry, error) {
	entry, ok := m.devices.Load(id)
	if !ok {
		return nil, eeg.ErrDeviceNotFound
	}
	entry.mu.Lock()
	removed := entry.removed
	entry.mu.Unlock()
	if removed {
		return nil, eeg.ErrAlreadyRemoved
	}
	return entry, nil
}

// Connect opens the device through its best available transport.
func (m *Manager) Connect(ctx context.Context, id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}
	if err := entry.dev.Connect(ctx); err != nil {
		return err
	}
	m.events.Publish(ctx, id, Event{Kind: EventConnected, DeviceID: id})
	return nil
}

// Disconnect stops streaming if needed and releases the device.
func (m *Manager) Disconnect(id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}
	m.stopBatching(entry)
	if err := entry.dev.Disconnect(); err != nil {
		return err
	}
	m.publish(id, Event{Kind: EventDisconnected, DeviceID: id})
	return nil
}

// StartStreaming opens a fresh ingest session and starts sample production.
func (m *Manager) StartStreaming(id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if entry.batchStop == nil {
		batcher := ingest.NewBatcher(m.log, m.sink, id, entry.desc.Model, m.options.batcherOpts...)
		batchCtx, cancel := context.WithCancel(context.Background())
		go batcher.Start(batchCtx)
		entry.batchStop = cancel

		entry.dev.OnSample(func(s eeg.Sample) {
			batcher.Offer(s)
		})
		entry.dev.OnError(func(err error) {
			deviceErrors.WithLabelValues(id).Inc()
			m.publish(id, Event{Kind: EventError, DeviceID: id, Err: err})
		})
		entry.dev.OnBattery(func(pct int) {
			batteryGauge.WithLabelValues(id).Set(float64(pct))
			m.publish(id, Event{Kind: EventBattery, DeviceID: id, Battery: pct})
		})
	}
	entry.mu.Unlock()

	if err := entry.dev.StartStreaming(); err != nil {
		m.stopBatching(entry)
		return err
	}
	m.publish(id, Event{Kind: EventStreamingStarted, DeviceID: id})
	return nil
}

// StopStreaming halts sample production and closes the ingest session.
func (m *Manager) StopStreaming(id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}
	if err := entry.dev.StopStreaming(); err != nil {
		return err
	}
	m.stopBatching(entry)
	m.publish(id, Event{Kind: EventStreamingStopped, DeviceID: id})
	return nil
}

func (m *Manager) stopBatching(entry *deviceEntry) {
	entry.mu.Lock()
	cancel := entry.batchStop
	entry.batchStop = nil
	entry.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Calibrate computes a baseline profile and persists it.
func (m *Manager) Calibrate(ctx context.Context, id string) (eeg.CalibrationProfile, error) {
	entry, err := m.entry(id)
	if err != nil {
		return eeg.CalibrationProfile{}, err
	}
	profile, err := entry.dev.Calibrate(ctx)
	if err != nil {
		return eeg.CalibrationProfile{}, err
	}
	if err := m.store.SaveCalibration(id, profile); err != nil {
		m.log.Warn("persisting calibration failed", zap.String("device", id), zap.Error(err))
	}
	m.events.Publish(ctx, id, Event{Kind: EventCalibrated, DeviceID: id})
	return profile, nil
}

// Remove disconnects a device and retires its id. Further operations on the
// id fail with ErrAlreadyRemoved until a scan re-detects the hardware as a
// new registration.
func (m *Manager) Remove(id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}
	m.stopBatching(entry)
	if err := entry.dev.Disconnect(); err != nil {
		m.log.Warn("disconnect during removal failed", zap.String("device", id), zap.Error(err))
	}
	entry.mu.Lock()
	entry.removed = true
	entry.mu.Unlock()
	m.publish(id, Event{Kind: EventRemoved, DeviceID: id})
	return nil
}

// Status reports one device's control-surface view.
func (m *Manager) Status(id string) (DeviceInfo, error) {
	entry, err := m.entry(id)
	if err != nil {
		return DeviceInfo{}, err
	}
	return m.info(id, entry), nil
}

// List reports every known device, ordered by id.
func (m *Manager) List() []DeviceInfo {
	var infos []DeviceInfo
	m.devices.Range(func(id string, entry *deviceEntry) bool {
		entry.mu.Lock()
		removed := entry.removed
		entry.mu.Unlock()
		if !removed {
			infos = append(infos, m.info(id, entry))
		}
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (m *Manager) info(id string, entry *deviceEntry) DeviceInfo {
	entry.mu.Lock()
	transports := make([]string, 0, len(entry.endpoints))
	for kind := range entry.endpoints {
		transports = append(transports, string(kind))
	}
	serial := ""
	for _, td := range entry.endpoints {
		if td.Serial != "" {
			serial = td.Serial
			break
		}
	}
	dev := entry.dev
	desc := entry.desc
	entry.mu.Unlock()
	sort.Strings(transports)

	info := DeviceInfo{
		ID:         id,
		Model:      desc.Model,
		Serial:     serial,
		Variant:    desc.Variant,
		Transports: transports,
		Battery:    -1,
	}
	if dev != nil {
		info.State = dev.State()
		info.Stats = dev.Stats()
		info.Battery = dev.Battery()
		info.Calibrated = dev.Calibration().Computed
	}
	return info
}

func (m *Manager) publish(id string, event Event) {
	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	m.events.Publish(ctx, id, event)
}

// Package blebridge owns the single shared BLE runtime. BLE connect, scan
// and GATT operations are inherently event-driven and must all run against
// one adapter, so synchronous callers submit work to the bridge goroutine
// and block on a bounded-timeout reply. This is the only place where the
// blocking and the notification-driven execution models meet; every wait
// here has a timeout and returns an error instead of blocking forever.
package blebridge

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/opencortex/eeg-agent/internal/eeg"
)

// GATT identifiers shared by the supported device families (Nordic UART
// style data service plus the standard Device Information Service).
var (
	dataServiceUUID = mustUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	dataNotifyUUID  = mustUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
	disServiceUUID  = bluetooth.New16BitUUID(0x180A)
	disSerialUUID   = bluetooth.New16BitUUID(0x2A25)
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// requestTimeout bounds every synchronous wait against the runtime.
const requestTimeout = 10 * time.Second

// defaultScanWindow is how long one scan request collects advertisements.
const defaultScanWindow = 3 * time.Second

type result struct {
	value any
	err   error
}

type request struct {
	name  string
	fn    func(adapter *bluetooth.Adapter) (any, error)
	reply chan result
}

type Bridge struct {
	log   *zap.Logger
	reqs  chan request
	ready chan struct{}

	// seen maps MAC string to the address from the last scan, so connect
	// requests need no address parsing round trip.
	seen *xsync.MapOf[string, bluetooth.Address]
}

func New(log *zap.Logger) *Bridge {
	return &Bridge{
		log:   log,
		reqs:  make(chan request),
		ready: make(chan struct{}),
		seen:  xsync.NewMapOf[string, bluetooth.Address](),
	}
}

func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Start enables the adapter and serves requests until ctx is done. All BLE
// sessions live on this goroutine.
func (b *Bridge) Start(ctx context.Context) error {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		// hosts without a radio still run the other transports; BLE
		// requests will time out
		b.log.Warn("BLE adapter unavailable, BLE transports disabled", zap.Error(err))
		close(b.ready)
		<-ctx.Done()
		return nil
	}
	close(b.ready)
	b.log.Info("BLE bridge started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-b.reqs:
			value, err := req.fn(adapter)
			if err != nil {
				b.log.Debug("BLE request failed", zap.String("request", req.name), zap.Error(err))
			}
			req.reply <- result{value, err}
		}
	}
}

// do submits fn to the runtime and waits for the reply, bounded by the
// request timeout and the caller's context.
func (b *Bridge) do(ctx context.Context, name string, fn func(adapter *bluetooth.Adapter) (any, error)) (any, error) {
	req := request{name: name, fn: fn, reply: make(chan result, 1)}
	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case b.reqs <- req:
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", name, eeg.ErrBridgeTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", name, eeg.ErrBridgeShutdown)
	}
	select {
	case res := <-req.reply:
		return res.value, res.err
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", name, eeg.ErrBridgeTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", name, eeg.ErrBridgeShutdown)
	}
}

// Scan collects advertisements for one scan window and returns them as
// transport descriptors keyed by MAC address.
func (b *Bridge) Scan(ctx context.Context, window time.Duration) ([]eeg.TransportDescriptor, error) {
	if window <= 0 {
		window = defaultScanWindow
	}
	value, err := b.do(ctx, "scan", func(adapter *bluetooth.Adapter) (any, error) {
		found := make(map[string]eeg.TransportDescriptor)
		done := make(chan error, 1)
		go func() {
			done <- adapter.Scan(func(a *bluetooth.Adapter, dev bluetooth.ScanResult) {
				mac := dev.Address.String()
				b.seen.Store(mac, dev.Address)
				found[mac] = eeg.TransportDescriptor{
					Kind:    eeg.ConnectionBLE,
					Path:    mac,
					Product: dev.LocalName(),
				}
			})
		}()
		timer := time.NewTimer(window)
		defer timer.Stop()
		select {
		case err := <-done:
			if err != nil {
				return nil, err
			}
		case <-timer.C:
			adapter.StopScan()
			<-done
		}
		out := make([]eeg.TransportDescriptor, 0, len(found))
		for _, td := range found {
			out = append(out, td)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]eeg.TransportDescriptor), nil
}

// Session is one established BLE connection with its data characteristic
// discovered. All methods funnel through the bridge runtime.
type Session struct {
	bridge *Bridge
	mac    string
	serial string
	device bluetooth.Device
	notify bluetooth.DeviceCharacteristic
}

// Connect dials the peripheral, discovers the data service and reads the
// serial from the Device Information Service. A missing DIS serial is not
// fatal; the caller decides how to degrade.
func (b *Bridge) Connect(ctx context.Context, mac string) (*Session, error) {
	value, err := b.do(ctx, "connect", func(adapter *bluetooth.Adapter) (any, error) {
		addr, ok := b.seen.Load(mac)
		if !ok {
			parsed, err := bluetooth.ParseMAC(mac)
			if err != nil {
				return nil, &eeg.ConnectionError{Kind: eeg.ConnectionBLE, Reason: fmt.Sprintf("bad address %q", mac), Err: err}
			}
			addr = bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: parsed}}
		}
		device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			return nil, &eeg.ConnectionError{Kind: eeg.ConnectionBLE, Reason: "connect", Err: err}
		}
		svcs, err := device.DiscoverServices([]bluetooth.UUID{dataServiceUUID})
		if err != nil || len(svcs) == 0 {
			device.Disconnect()
			return nil, &eeg.ConnectionError{Kind: eeg.ConnectionBLE, Reason: "data service discovery", Err: err}
		}
		chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{dataNotifyUUID})
		if err != nil || len(chars) == 0 {
			device.Disconnect()
			return nil, &eeg.ConnectionError{Kind: eeg.ConnectionBLE, Reason: "notify characteristic discovery", Err: err}
		}
		sess := &Session{
			bridge: b,
			mac:    mac,
			device: device,
			notify: chars[0],
		}
		sess.serial = readSerial(device)
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Session), nil
}

// readSerial pulls the serial number string from the standard Device
// Information Service. BLE is the only transport where the serial is not
// part of enumeration, and without it key derivation degrades to the
// fallback key.
func readSerial(device bluetooth.Device) string {
	svcs, err := device.DiscoverServices([]bluetooth.UUID{disServiceUUID})
	if err != nil || len(svcs) == 0 {
		return ""
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{disSerialUUID})
	if err != nil || len(chars) == 0 {
		return ""
	}
	buf := make([]byte, 32)
	n, err := chars[0].Read(buf)
	if err != nil || n == 0 {
		return ""
	}
	return string(buf[:n])
}

func (s *Session) Serial() string { return s.serial }

// Subscribe arms notifications on the data characteristic. fn runs on the
// BLE runtime for every notified frame.
func (s *Session) Subscribe(ctx context.Context, fn func(frame []byte)) error {
	_, err := s.bridge.do(ctx, "subscribe", func(*bluetooth.Adapter) (any, error) {
		return nil, s.notify.EnableNotifications(fn)
	})
	return err
}

// Unsubscribe disarms notifications.
func (s *Session) Unsubscribe(ctx context.Context) error {
	_, err := s.bridge.do(ctx, "unsubscribe", func(*bluetooth.Adapter) (any, error) {
		return nil, s.notify.EnableNotifications(nil)
	})
	return err
}

// Close disconnects the peripheral.
func (s *Session) Close(ctx context.Context) error {
	_, err := s.bridge.do(ctx, "disconnect", func(*bluetooth.Adapter) (any, error) {
		return nil, s.device.Disconnect()
	})
	return err
}

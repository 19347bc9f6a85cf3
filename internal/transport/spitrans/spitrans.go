// Package spitrans polls an SPI-attached analog front end. The chip has no
// notion of on-demand reads: it raises a falling edge on the DRDY line when
// a conversion completes, and the host answers with one fixed-length
// register burst read while the chip is in continuous-read mode.
package spitrans

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/transport"
)

// Front end opcodes.
const (
	cmdWakeup = 0x02
	cmdReset  = 0x06
	cmdStart  = 0x08
	cmdStop   = 0x0A
	cmdRDATAC = 0x10
	cmdSDATAC = 0x11
)

// Config binds the adapter to one bus and data-ready line. Boards are not
// discoverable; this comes from static configuration.
type Config struct {
	// Port is the SPI port name as registered with the host, e.g. "SPI0.0".
	Port string `yaml:"port"`
	// DRDYPin is the GPIO name of the data-ready line, e.g. "GPIO25".
	DRDYPin string `yaml:"drdyPin"`
	// SpeedHz is the bus clock. Zero means 4 MHz.
	SpeedHz physic.Frequency `yaml:"speedHz"`
}

type Adapter struct {
	log      *zap.Logger
	cfg      Config
	initOnce sync.Once
	initErr  error
}

func New(log *zap.Logger, cfg Config) *Adapter {
	if cfg.SpeedHz == 0 {
		cfg.SpeedHz = 4 * physic.MegaHertz
	}
	return &Adapter{log: log, cfg: cfg}
}

func (a *Adapter) Kind() eeg.ConnectionKind {
	return eeg.ConnectionSPIGPIO
}

func (a *Adapter) init() error {
	a.initOnce.Do(func() {
		_, a.initErr = host.Init()
	})
	return a.initErr
}

// Scan reports the configured bus as one endpoint when the host registry
// knows the port. SPI buses have no enumeration protocol.
func (a *Adapter) Scan(ctx context.Context) ([]eeg.TransportDescriptor, error) {
	if a.cfg.Port == "" {
		return nil, nil
	}
	if err := a.init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	for _, ref := range spireg.All() {
		if ref.Name == a.cfg.Port {
			return []eeg.TransportDescriptor{{
				Kind: eeg.ConnectionSPIGPIO,
				Path: a.cfg.Port,
			}}, nil
		}
	}
	return nil, nil
}

func (a *Adapter) Connect(ctx context.Context, td eeg.TransportDescriptor, desc eeg.DeviceDescriptor) (transport.Handle, error) {
	if err := a.init(); err != nil {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionSPIGPIO, Reason: "host init", Err: err}
	}
	port, err := spireg.Open(td.Path)
	if err != nil {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionSPIGPIO, Reason: fmt.Sprintf("open %s", td.Path), Err: err}
	}
	conn, err := port.Connect(a.cfg.SpeedHz, spi.Mode1, 8)
	if err != nil {
		port.Close()
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionSPIGPIO, Reason: "bus connect", Err: err}
	}
	drdy := gpioreg.ByName(a.cfg.DRDYPin)
	if drdy == nil {
		port.Close()
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionSPIGPIO, Reason: fmt.Sprintf("no GPIO %q", a.cfg.DRDYPin)}
	}
	if err := drdy.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		port.Close()
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionSPIGPIO, Reason: "configure DRDY edge", Err: err}
	}

	h := &handle{
		log:      a.log,
		port:     port,
		conn:     conn,
		drdy:     drdy,
		frameLen: desc.PacketSize,
	}
	if err := h.startConversion(); err != nil {
		port.Close()
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionSPIGPIO, Reason: "start conversion", Err: err}
	}
	return h, nil
}

type handle struct {
	log      *zap.Logger
	frameLen int

	mu   sync.Mutex
	port spi.PortCloser
	conn spi.Conn
	drdy gpio.PinIO
}

func (h *handle) Kind() eeg.ConnectionKind { return eeg.ConnectionSPIGPIO }

func (h *handle) Serial() string { return "" }

func (h *handle) command(cmds ...byte) error {
	for _, c := range cmds {
		if err := h.conn.Tx([]byte{c}, nil); err != nil {
			return err
		}
	}
	return nil
}

// startConversion resets the chip and arms continuous-read mode. The chip
// needs a short settle after reset before it accepts commands again.
func (h *handle) startConversion() error {
	if err := h.command(cmdReset); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	return h.command(cmdSDATAC, cmdRDATAC, cmdStart)
}

// ReadFrame waits for a falling edge on DRDY, then burst-reads one frame.
// No artificial pacing: the chip's own ready line sets the rate. The edge
// wait runs unlocked so STOP and Disconnect stay responsive; the burst
// itself holds the lock so it never interleaves with another bus command.
func (h *handle) ReadFrame(timeout time.Duration) ([]byte, error) {
	h.mu.Lock()
	drdy := h.drdy
	closed := h.conn == nil
	h.mu.Unlock()
	if closed {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionSPIGPIO, Reason: "handle is closed"}
	}
	if !drdy.WaitForEdge(timeout) {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil, &eeg.ConnectionError{Kind: eeg.ConnectionSPIGPIO, Reason: "handle is closed"}
	}
	write := make([]byte, h.frameLen)
	read := make([]byte, h.frameLen)
	if err := h.conn.Tx(write, read); err != nil {
		return nil, fmt.Errorf("burst read: %w", err)
	}
	return read, nil
}

// Wake re-sends the activation sequence after the chip stalls.
func (h *handle) Wake() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return &eeg.ConnectionError{Kind: eeg.ConnectionSPIGPIO, Reason: "handle is closed"}
	}
	return h.command(cmdWakeup, cmdSDATAC, cmdRDATAC, cmdStart)
}

// StopStream halts conversions while keeping the bus open. A later Wake
// rearms continuous-read mode.
func (h *handle) StopStream() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	return h.command(cmdStop, cmdSDATAC)
}

// Disconnect stops conversions before releasing the bus. The STOP command
// goes out even when the sampling loop is already gone.
func (h *handle) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.port == nil {
		return nil
	}
	if err := h.command(cmdStop, cmdSDATAC); err != nil {
		h.log.Warn("STOP on disconnect failed", zap.Error(err))
	}
	if err := h.drdy.Halt(); err != nil {
		h.log.Debug("halting DRDY pin failed", zap.Error(err))
	}
	err := h.port.Close()
	h.port = nil
	h.conn = nil
	return err
}

var _ transport.Handle = (*handle)(nil)
var _ transport.Waker = (*handle)(nil)
var _ transport.Stopper = (*handle)(nil)

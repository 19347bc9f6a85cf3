// Package eeg defines the data model shared by the acquisition layer:
// device and transport descriptors, decoded samples and the error kinds
// surfaced by lifecycle operations.
package eeg

import (
	"fmt"
	"time"
)

// ConnectionKind identifies the physical medium a transport speaks.
type ConnectionKind string

const (
	ConnectionUSB     ConnectionKind = "usb"
	ConnectionHID     ConnectionKind = "hid"
	ConnectionBLE     ConnectionKind = "ble"
	ConnectionSPIGPIO ConnectionKind = "spi_gpio"
	// ConnectionProc is an out-of-process adapter wrapping a child
	// acquisition binary. Used where a platform library is known to be
	// unstable, and for frame replay.
	ConnectionProc ConnectionKind = "proc"
)

// FormatVersion selects the packet layout used by the frame parser.
type FormatVersion string

const (
	// FormatLegacy packs 14-bit channel values across 3-byte groups.
	FormatLegacy FormatVersion = "legacy"
	// FormatExtended uses 16-bit little-endian values with a fixed
	// scale-and-offset conversion.
	FormatExtended FormatVersion = "extended"
	// FormatRaw24 is the SPI analog front end layout: signed 24-bit
	// big-endian conversion results.
	FormatRaw24 FormatVersion = "raw24"
)

// DeviceVariant distinguishes key-derivation schedules within a model family.
type DeviceVariant string

const (
	VariantConsumer DeviceVariant = "consumer"
	VariantResearch DeviceVariant = "research"
)

// DeviceDescriptor is the immutable capability record for a device model.
// It is supplied by detection or by static configuration and never mutated.
type DeviceDescriptor struct {
	Model       string         `yaml:"model" json:"model"`
	Channels    []string       `yaml:"channels" json:"channels"`
	MotionChans []string       `yaml:"motionChannels" json:"motionChannels"`
	SampleRate  int            `yaml:"sampleRate" json:"sampleRate"`
	PacketSize  int            `yaml:"packetSize" json:"packetSize"`
	// AltPacketSizes are probed in order when the nominal size yields
	// repeated empty reads.
	AltPacketSizes []int            `yaml:"altPacketSizes,omitempty" json:"altPacketSizes,omitempty"`
	Format         FormatVersion    `yaml:"format" json:"format"`
	Variant        DeviceVariant    `yaml:"variant,omitempty" json:"variant,omitempty"`
	Encrypted      bool             `yaml:"encrypted" json:"encrypted"`
	Connections    []ConnectionKind `yaml:"connections" json:"connections"`
}

// Validate reports a ConfigError when required fields are missing.
func (d DeviceDescriptor) Validate() error {
	if d.Model == "" {
		return &ConfigError{Field: "model", Reason: "empty"}
	}
	if len(d.Channels) == 0 {
		return &ConfigError{Field: "channels", Reason: "empty"}
	}
	if d.SampleRate <= 0 {
		return &ConfigError{Field: "sampleRate", Reason: "must be positive"}
	}
	if d.PacketSize <= 0 {
		return &ConfigError{Field: "packetSize", Reason: "must be positive"}
	}
	if len(d.Connections) == 0 {
		return &ConfigError{Field: "connections", Reason: "empty"}
	}
	return nil
}

// AllChannels returns EEG channels followed by motion channels.
func (d DeviceDescriptor) AllChannels() []string {
	out := make([]string, 0, len(d.Channels)+len(d.MotionChans))
	out = append(out, d.Channels...)
	out = append(out, d.MotionChans...)
	return out
}

// TransportDescriptor describes one enumerated transport endpoint before any
// connection is made. Produced by adapter scans, consumed by detection and
// by Connect.
type TransportDescriptor struct {
	Kind      ConnectionKind `json:"kind"`
	VendorID  uint16         `json:"vendorId"`
	ProductID uint16         `json:"productId"`
	Serial    string         `json:"serial,omitempty"`
	// Path is a platform path (hidraw node, spidev path) or a BLE MAC
	// address, depending on Kind.
	Path         string `json:"path"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
}

func (t TransportDescriptor) String() string {
	if t.VendorID != 0 || t.ProductID != 0 {
		return fmt.Sprintf("%s/%04x:%04x@%s", t.Kind, t.VendorID, t.ProductID, t.Path)
	}
	return fmt.Sprintf("%s/%s", t.Kind, t.Path)
}

// Sample is one decoded, timestamped set of per-channel values. Samples are
// transferred by value through the pipeline and never mutated after creation.
type Sample struct {
	Timestamp   time.Time
	DeviceID    string
	Model       string
	SampleRate  int
	Channels    []string
	Values      []float64
	Calibrated  bool
	Quality     map[string]float64
	RawFrameLen int
}

// Battery is an out-of-band battery reading decoded from a frame whose
// leading counter byte exceeds the battery threshold.
type Battery struct {
	Percent int
}

// CalibrationProfile holds per-channel baseline offsets. It is mutated only
// by the calibration routine and read by the sample production path.
type CalibrationProfile struct {
	Baselines map[string]float64 `json:"baselines"`
	Computed  bool               `json:"computed"`
	At        time.Time          `json:"at,omitempty"`
}

// Apply subtracts the baseline offsets in place on a values slice that is
// already ordered like channels. Unknown channels pass through.
func (p CalibrationProfile) Apply(channels []string, values []float64) {
	if !p.Computed {
		return
	}
	for i, name := range channels {
		if i >= len(values) {
			return
		}
		if base, ok := p.Baselines[name]; ok {
			values[i] -= base
		}
	}
}

// State is the device lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateStreaming    State = "streaming"
)

// Stats is a snapshot of per-device streaming statistics.
type Stats struct {
	Samples       uint64    `json:"samples"`
	DecodeErrors  uint64    `json:"decodeErrors"`
	ReadErrors    uint64    `json:"readErrors"`
	ReadTimeouts  uint64    `json:"readTimeouts"`
	WakeAttempts  uint64    `json:"wakeAttempts"`
	LoopLeaked    bool      `json:"loopLeaked"`
	CryptoDegrade bool      `json:"cryptoDegraded"`
	StartedAt     time.Time `json:"startedAt,omitempty"`
}

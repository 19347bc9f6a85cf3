package agent

import (
	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/transport/procwrap"
)

// Config is the agent's bootstrap configuration, usually populated from
// CLI flags. DeviceConfig points at the user-editable registration file,
// which is live-reloaded.
type Config struct {
	DataDir      string `json:"dataDir"`
	DeviceConfig string `json:"deviceConfig"`
	// NATSURL enables the broker sink when set; empty streams to the log.
	NATSURL     string `json:"natsUrl"`
	NATSSubject string `json:"natsSubject"`
	// MetricsAddr serves Prometheus metrics when set, e.g. ":9464".
	MetricsAddr string `json:"metricsAddr"`
}

// DevicesConfig is the devices.yml layout: devices the scan cannot discover
// on its own, registered statically.
type DevicesConfig struct {
	Devices []StaticDevice     `json:"devices"`
	SPI     []SPIBoard         `json:"spi"`
	Proc    []procwrap.Endpoint `json:"proc"`
}

// StaticDevice registers a known device by model, with optional overrides
// of the built-in descriptor.
type StaticDevice struct {
	ID      string            `json:"id"`
	Model   string            `json:"model"`
	Format  eeg.FormatVersion `json:"format"`
	Variant eeg.DeviceVariant `json:"variant,omitempty"`
	// SampleRate and PacketSize override the model defaults when non-zero.
	SampleRate int                       `json:"sampleRate,omitempty"`
	PacketSize int                       `json:"packetSize,omitempty"`
	Endpoints  []eeg.TransportDescriptor `json:"endpoints"`
}

// SPIBoard binds one analog front end board to an SPI port and DRDY line.
type SPIBoard struct {
	ID      string `json:"id"`
	Port    string `json:"port"`
	DRDYPin string `json:"drdyPin"`
	SpeedHz int64  `json:"speedHz,omitempty"`
}

package managersvc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	devicesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "eeg",
		Subsystem: "manager",
		Name:      "devices_known",
		Help:      "Devices currently present in the registry.",
	})

	batteryGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "eeg",
		Subsystem: "manager",
		Name:      "battery_percent",
		Help:      "Last decoded battery percentage per device.",
	}, []string{"device"})

	deviceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eeg",
		Subsystem: "manager",
		Name:      "device_errors_total",
		Help:      "Recoverable device errors surfaced by the sampling path.",
	}, []string{"device"})
)

package devsvc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/frameparse"
)

// baselineCollector accumulates per-channel sums while a calibration window
// is open. It is fed by whichever path is producing samples at the time.
type baselineCollector struct {
	mu     sync.Mutex
	sums   map[string]float64
	counts map[string]int
}

func newBaselineCollector() *baselineCollector {
	return &baselineCollector{
		sums:   make(map[string]float64),
		counts: make(map[string]int),
	}
}

// add records one uncalibrated sample.
func (c *baselineCollector) add(channels []string, values []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, name := range channels {
		if i >= len(values) {
			return
		}
		c.sums[name] += values[i]
		c.counts[name]++
	}
}

// profile computes per-channel means. ok is false when nothing was collected.
func (c *baselineCollector) profile(at time.Time) (eeg.CalibrationProfile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.counts) == 0 {
		return eeg.CalibrationProfile{}, false
	}
	baselines := make(map[string]float64, len(c.sums))
	for name, sum := range c.sums {
		baselines[name] = sum / float64(c.counts[name])
	}
	return eeg.CalibrationProfile{Baselines: baselines, Computed: true, At: at}, true
}

// Calibrate collects samples for the configured window, computes the mean
// per channel and installs the result as the device's baseline profile.
// While streaming it taps the live sample path; while merely connected it
// reads frames itself. This method is the only writer of the profile.
func (d *Device) Calibrate(ctx context.Context) (eeg.CalibrationProfile, error) {
	d.mu.Lock()
	state := d.state
	handle := d.handle
	crypto := d.crypto
	smap := d.smap
	if state == eeg.StateDisconnected {
		d.mu.Unlock()
		return eeg.CalibrationProfile{}, eeg.ErrNotConnected
	}
	collector := newBaselineCollector()
	if state == eeg.StateStreaming {
		d.collector = collector
		d.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(d.options.calibWindow):
		}
		d.mu.Lock()
		d.collector = nil
		d.mu.Unlock()
	} else {
		d.mu.Unlock()
		channels := d.desc.AllChannels()
		deadline := time.Now().Add(d.options.calibWindow)
		for time.Now().Before(deadline) && ctx.Err() == nil {
			frame, err := handle.ReadFrame(d.options.readTimeout)
			if err != nil || frame == nil {
				continue
			}
			plain, err := crypto.DecryptFrame(frame)
			if err != nil {
				continue
			}
			result := frameparse.Parse(smap, d.desc, plain)
			if result.Empty() {
				continue
			}
			values := make([]float64, len(channels))
			for i, name := range channels {
				values[i] = result.Values[name]
			}
			collector.add(channels, values)
		}
	}

	profile, ok := collector.profile(time.Now())
	if !ok {
		return eeg.CalibrationProfile{}, &eeg.StreamingError{DeviceID: d.id, Reason: "calibration window produced no samples"}
	}
	d.mu.Lock()
	d.calib = profile
	d.mu.Unlock()
	d.log.Info("calibration profile computed",
		zap.String("device", d.id), zap.Int("channels", len(profile.Baselines)))
	return profile, nil
}

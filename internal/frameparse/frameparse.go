// Package frameparse decodes decrypted frame bytes into named channel
// values plus quality and battery metadata, according to the sensor map of
// the active format version. Parsing never fails hard: a buffer that is too
// short or malformed yields an empty result, which callers treat as "no
// sample this cycle".
package frameparse

import (
	"encoding/binary"

	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/sensormap"
	"github.com/opencortex/eeg-agent/pkg/bits"
)

// Result is one decoded frame. Values holds every EEG and motion channel
// named by the device descriptor, or is empty when the frame did not decode.
type Result struct {
	Counter int
	Values  map[string]float64
	Quality map[string]float64
	Battery *int
}

// Empty reports whether the frame produced no channel data.
func (r Result) Empty() bool {
	return len(r.Values) == 0
}

// Parse decodes one decrypted frame. The sensor map and the descriptor are
// fixed for the lifetime of a connection; only the frame varies per call.
func Parse(m sensormap.Map, desc eeg.DeviceDescriptor, frame []byte) Result {
	if len(frame) < m.MinLen {
		return Result{}
	}
	switch m.Format {
	case eeg.FormatLegacy:
		return parseLegacy(m, desc, frame)
	case eeg.FormatExtended:
		return parseExtended(m, desc, frame)
	case eeg.FormatRaw24:
		return parseRaw24(m, desc, frame)
	default:
		return Result{}
	}
}

func parseCounter(frame []byte) (counter int, battery *int) {
	b := frame[0]
	if pct, ok := sensormap.BatteryPercent(b); ok {
		return 0, &pct
	}
	return int(b), nil
}

func parseLegacy(m sensormap.Map, desc eeg.DeviceDescriptor, frame []byte) Result {
	counter, battery := parseCounter(frame)
	scanner := bits.NewScanner(frame)
	values := make(map[string]float64, len(desc.Channels)+len(desc.MotionChans))
	for _, name := range desc.Channels {
		off, ok := m.ChannelBits[name]
		if !ok {
			// partially mapped descriptor: no partial results
			return Result{}
		}
		raw, ok := scanner.UintAt(off, 14)
		if !ok {
			return Result{}
		}
		values[name] = float64(raw)
	}
	for _, name := range desc.MotionChans {
		off, ok := m.MotionBytes[name]
		if !ok || off >= len(frame) {
			return Result{}
		}
		// gyro bytes are centered around 100
		values[name] = float64(frame[off]) - 100
	}

	result := Result{Counter: counter, Values: values, Battery: battery}
	if battery == nil && len(m.QualityRotation) > 0 {
		name := m.QualityRotation[counter%len(m.QualityRotation)]
		if q, ok := scanner.UintAt(m.QualityBit, 14); ok {
			result.Quality = map[string]float64{name: float64(q)}
		}
	}
	return result
}

func parseExtended(m sensormap.Map, desc eeg.DeviceDescriptor, frame []byte) Result {
	counter, battery := parseCounter(frame)
	values := make(map[string]float64, len(desc.Channels)+len(desc.MotionChans))
	for _, name := range desc.Channels {
		off, ok := m.ChannelBytes[name]
		if !ok || off+2 > len(frame) {
			return Result{}
		}
		raw := binary.LittleEndian.Uint16(frame[off : off+2])
		values[name] = (float64(raw) - m.Offset) * m.Scale
	}
	for _, name := range desc.MotionChans {
		off, ok := m.MotionBytes[name]
		if !ok || off+2 > len(frame) {
			return Result{}
		}
		raw := binary.LittleEndian.Uint16(frame[off : off+2])
		values[name] = (float64(raw) - m.Offset) * m.Scale
	}

	result := Result{Counter: counter, Values: values, Battery: battery}
	if battery == nil && len(m.QualityRotation) > 0 && m.QualityByte+2 <= len(frame) {
		name := m.QualityRotation[counter%len(m.QualityRotation)]
		raw := binary.LittleEndian.Uint16(frame[m.QualityByte : m.QualityByte+2])
		result.Quality = map[string]float64{name: float64(raw)}
	}
	return result
}

// parseRaw24 decodes an analog front end burst read: 3 status bytes, then
// one signed 24-bit big-endian conversion per channel in descriptor order.
func parseRaw24(m sensormap.Map, desc eeg.DeviceDescriptor, frame []byte) Result {
	need := 3 + len(desc.Channels)*3
	if len(frame) < need {
		return Result{}
	}
	// microvolts per LSB at the configured gain
	lsb := m.VRef / m.Gain / float64(int32(1)<<23) * 1e6
	values := make(map[string]float64, len(desc.Channels))
	for i, name := range desc.Channels {
		off := 3 + i*3
		values[name] = float64(bits.Int24BE(frame[off:off+3])) * lsb
	}
	return Result{Values: values}
}

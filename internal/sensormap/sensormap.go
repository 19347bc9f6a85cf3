// Package sensormap holds the immutable per-format decode tables: bit and
// byte offsets for every channel, quality field locations, the contact
// quality rotation and the battery lookup table. Tables are built once at
// package load and shared read-only across all device instances.
package sensormap

import (
	"github.com/opencortex/eeg-agent/internal/eeg"
)

// Map describes where each named field lives inside one decrypted frame of
// a given format version. A Map is chosen once per connection and never
// changes mid-stream.
type Map struct {
	Format eeg.FormatVersion
	// MinLen is the minimum decrypted frame length this layout decodes.
	// Shorter buffers produce no sample.
	MinLen int

	// Legacy layout: 14-bit fields at absolute bit offsets.
	ChannelBits map[string]int
	QualityBit  int

	// Extended layout: 16-bit little-endian fields at byte offsets.
	ChannelBytes map[string]int
	QualityByte  int

	// Motion channels are single bytes (legacy) or 16-bit fields
	// (extended) depending on Format.
	MotionBytes map[string]int

	// QualityRotation maps counter%len to the channel whose contact
	// quality this frame carries. Empty when the format has no quality.
	QualityRotation []string

	// Extended conversion: physical = (raw - Offset) * Scale.
	Scale  float64
	Offset float64

	// Raw24 conversion: physical = raw * VRef / (Gain * 2^23).
	VRef float64
	Gain float64
}

// Channel order for the orion headset family.
var orionChannels = []string{
	"AF3", "F7", "F3", "FC5", "T7", "P7", "O1",
	"O2", "P8", "T8", "FC6", "F4", "F8", "AF4",
}

var orionMotion = []string{"GYROX", "GYROY"}

const (
	legacyChannelWidth = 14
	legacyDataStartBit = 8 // bit 0..7 is the counter byte
)

// Key identifies one layout: the same format version can have different
// offset tables across model families.
type Key struct {
	Model  string
	Format eeg.FormatVersion
}

var maps = buildMaps()

func buildMaps() map[Key]Map {
	legacyBits := make(map[string]int, len(orionChannels))
	for i, name := range orionChannels {
		legacyBits[name] = legacyDataStartBit + i*legacyChannelWidth
	}
	extendedBytes := make(map[string]int, len(orionChannels))
	for i, name := range orionChannels {
		extendedBytes[name] = 2 + i*2
	}

	rotation := make([]string, len(orionChannels))
	copy(rotation, orionChannels)

	return map[Key]Map{
		{ModelOrion, eeg.FormatLegacy}: {
			Format:      eeg.FormatLegacy,
			MinLen:      32,
			ChannelBits: legacyBits,
			// quality follows the channel block
			QualityBit:      legacyDataStartBit + len(orionChannels)*legacyChannelWidth,
			MotionBytes:     map[string]int{"GYROX": 29, "GYROY": 30},
			QualityRotation: rotation,
		},
		{ModelOrion, eeg.FormatExtended}: {
			Format:          eeg.FormatExtended,
			MinLen:          36,
			ChannelBytes:    extendedBytes,
			MotionBytes:     map[string]int{"GYROX": 30, "GYROY": 32},
			QualityByte:     34,
			QualityRotation: rotation,
			Scale:           0.51,
			Offset:          8192,
		},
		{ModelPS1, eeg.FormatExtended}: {
			Format:       eeg.FormatExtended,
			MinLen:       6,
			ChannelBytes: map[string]int{"CH1": 2},
			QualityByte:  4,
			// single electrode, every quality frame is for it
			QualityRotation: []string{"CH1"},
			Scale:           0.51,
			Offset:          8192,
		},
		{ModelAFE8, eeg.FormatRaw24}: {
			Format: eeg.FormatRaw24,
			// 3 status bytes + 8 channels x 3 bytes
			MinLen: 27,
			VRef:   4.5,
			Gain:   24,
		},
	}
}

// Known model identifiers.
const (
	ModelOrion = "orion"
	ModelPS1   = "ps1"
	ModelAFE8  = "afe8"
)

// Lookup returns the decode table for a model and format version. The
// second return is false for unknown combinations.
func Lookup(model string, format eeg.FormatVersion) (Map, bool) {
	m, ok := maps[Key{model, format}]
	return m, ok
}

// OrionChannels returns the canonical channel order of the orion family.
func OrionChannels() []string {
	out := make([]string, len(orionChannels))
	copy(out, orionChannels)
	return out
}

// OrionMotionChannels returns the motion channel order of the orion family.
func OrionMotionChannels() []string {
	out := make([]string, len(orionMotion))
	copy(out, orionMotion)
	return out
}

// BatteryThreshold separates battery frames from counter frames: a leading
// byte above it is a battery reading, at or below it is a sample counter.
const BatteryThreshold = 127

// batteryTable maps counter bytes 224..255 to a charge percentage. Values
// in 128..223 read as 0: the hardware only emits readings from 224 up.
var batteryTable = [32]int{
	0, 5, 5, 5, 10, 10, 20, 20, // 224..231
	30, 30, 40, 40, 50, 50, 60, 60, // 232..239
	70, 70, 80, 80, 80, 90, 90, 90, // 240..247
	100, 100, 100, 100, 100, 100, 100, 100, // 248..255
}

// BatteryPercent decodes the leading counter byte. The boolean is false when
// the byte is a normal sample counter rather than a battery reading.
func BatteryPercent(counter byte) (int, bool) {
	if counter <= BatteryThreshold {
		return 0, false
	}
	if counter < 224 {
		return 0, true
	}
	return batteryTable[counter-224], true
}

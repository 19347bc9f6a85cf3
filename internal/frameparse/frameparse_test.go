package frameparse

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/framecrypt"
	"github.com/opencortex/eeg-agent/internal/sensormap"
)

func orionDesc(format eeg.FormatVersion) eeg.DeviceDescriptor {
	return eeg.DeviceDescriptor{
		Model:       sensormap.ModelOrion,
		Channels:    sensormap.OrionChannels(),
		MotionChans: sensormap.OrionMotionChannels(),
		SampleRate:  128,
		PacketSize:  32,
		Format:      format,
		Encrypted:   true,
		Connections: []eeg.ConnectionKind{eeg.ConnectionUSB, eeg.ConnectionHID},
	}
}

func TestShortBufferYieldsEmptyResult(t *testing.T) {
	for _, format := range []eeg.FormatVersion{eeg.FormatLegacy, eeg.FormatExtended} {
		m, _ := sensormap.Lookup(sensormap.ModelOrion, format)
		desc := orionDesc(format)
		for _, n := range []int{0, 1, 5, m.MinLen - 1} {
			r := Parse(m, desc, make([]byte, n))
			if !r.Empty() {
				t.Errorf("%s: %d-byte frame produced %d values", format, n, len(r.Values))
			}
		}
	}
}

func TestLegacyChannelCountInvariant(t *testing.T) {
	m, _ := sensormap.Lookup(sensormap.ModelOrion, eeg.FormatLegacy)
	desc := orionDesc(eeg.FormatLegacy)
	frame := make([]byte, 32)
	frame[0] = 17
	r := Parse(m, desc, frame)
	if r.Empty() {
		t.Fatal("valid frame produced empty result")
	}
	if len(r.Values) != len(desc.Channels)+len(desc.MotionChans) {
		t.Errorf("got %d values, want %d", len(r.Values), len(desc.Channels)+len(desc.MotionChans))
	}
	for _, name := range desc.AllChannels() {
		if _, ok := r.Values[name]; !ok {
			t.Errorf("missing channel %s", name)
		}
	}
	if r.Counter != 17 {
		t.Errorf("counter = %d, want 17", r.Counter)
	}
}

func TestLegacyQualityRotation(t *testing.T) {
	m, _ := sensormap.Lookup(sensormap.ModelOrion, eeg.FormatLegacy)
	desc := orionDesc(eeg.FormatLegacy)
	channels := sensormap.OrionChannels()
	for counter := 0; counter < len(channels); counter++ {
		frame := make([]byte, 32)
		frame[0] = byte(counter)
		r := Parse(m, desc, frame)
		if len(r.Quality) != 1 {
			t.Fatalf("counter %d: quality map has %d entries", counter, len(r.Quality))
		}
		if _, ok := r.Quality[channels[counter]]; !ok {
			t.Errorf("counter %d: quality not attributed to %s", counter, channels[counter])
		}
	}
}

func TestBatteryFrame(t *testing.T) {
	m, _ := sensormap.Lookup(sensormap.ModelOrion, eeg.FormatLegacy)
	desc := orionDesc(eeg.FormatLegacy)

	frame := make([]byte, 32)
	frame[0] = 255
	r := Parse(m, desc, frame)
	if r.Battery == nil || *r.Battery != 100 {
		t.Errorf("counter 255: battery = %v, want 100", r.Battery)
	}
	if r.Quality != nil {
		t.Error("battery frame carried quality")
	}

	frame[0] = 224
	r = Parse(m, desc, frame)
	if r.Battery == nil || *r.Battery != 0 {
		t.Errorf("counter 224: battery = %v, want 0", r.Battery)
	}

	frame[0] = 127
	r = Parse(m, desc, frame)
	if r.Battery != nil {
		t.Errorf("counter 127 produced a battery reading: %d", *r.Battery)
	}
}

func TestExtendedConversion(t *testing.T) {
	m, _ := sensormap.Lookup(sensormap.ModelOrion, eeg.FormatExtended)
	desc := orionDesc(eeg.FormatExtended)
	frame := make([]byte, 64)
	frame[0] = 3
	// raw == offset must convert to exactly zero
	for _, off := range m.ChannelBytes {
		binary.LittleEndian.PutUint16(frame[off:], 8192)
	}
	binary.LittleEndian.PutUint16(frame[m.ChannelBytes["AF3"]:], 8192+1000)
	r := Parse(m, desc, frame)
	if r.Empty() {
		t.Fatal("valid frame produced empty result")
	}
	if got := r.Values["AF3"]; math.Abs(got-510) > 1e-9 {
		t.Errorf("AF3 = %v, want 510", got)
	}
	if got := r.Values["F7"]; got != 0 {
		t.Errorf("F7 = %v, want 0", got)
	}
}

func TestRaw24Conversion(t *testing.T) {
	m, _ := sensormap.Lookup(sensormap.ModelAFE8, eeg.FormatRaw24)
	desc := eeg.DeviceDescriptor{
		Model:       sensormap.ModelAFE8,
		Channels:    []string{"CH1", "CH2", "CH3", "CH4", "CH5", "CH6", "CH7", "CH8"},
		SampleRate:  250,
		PacketSize:  27,
		Format:      eeg.FormatRaw24,
		Connections: []eeg.ConnectionKind{eeg.ConnectionSPIGPIO},
	}
	frame := make([]byte, 27)
	// CH1 = +1 LSB, CH2 = -1 LSB
	frame[5] = 0x01
	frame[6], frame[7], frame[8] = 0xFF, 0xFF, 0xFF
	r := Parse(m, desc, frame)
	if r.Empty() {
		t.Fatal("valid burst read produced empty result")
	}
	lsb := 4.5 / 24 / float64(int32(1)<<23) * 1e6
	if got := r.Values["CH1"]; math.Abs(got-lsb) > 1e-12 {
		t.Errorf("CH1 = %v, want %v", got, lsb)
	}
	if got := r.Values["CH2"]; math.Abs(got+lsb) > 1e-12 {
		t.Errorf("CH2 = %v, want %v", got, -lsb)
	}
	if got := r.Values["CH3"]; got != 0 {
		t.Errorf("CH3 = %v, want 0", got)
	}
}

// TestDecryptParseEndToEnd builds a synthetic 64-byte encrypted extended
// frame for a known serial, decrypts it and checks all 14 EEG values plus
// both motion values against the reference vector.
func TestDecryptParseEndToEnd(t *testing.T) {
	const serial = "SN20120229000290"
	m, _ := sensormap.Lookup(sensormap.ModelOrion, eeg.FormatExtended)
	desc := orionDesc(eeg.FormatExtended)

	plain := make([]byte, 64)
	plain[0] = 9
	channels := sensormap.OrionChannels()
	reference := make(map[string]float64, 16)
	for i, name := range channels {
		raw := uint16(8192 + (i+1)*100)
		binary.LittleEndian.PutUint16(plain[m.ChannelBytes[name]:], raw)
		reference[name] = float64((i+1)*100) * 0.51
	}
	binary.LittleEndian.PutUint16(plain[m.MotionBytes["GYROX"]:], 8192+200)
	binary.LittleEndian.PutUint16(plain[m.MotionBytes["GYROY"]:], 8192-200)
	reference["GYROX"] = 102
	reference["GYROY"] = -102

	crypto := framecrypt.New(serial, eeg.VariantResearch)
	wire, err := crypto.EncryptFrame(plain)
	if err != nil {
		t.Fatalf("failed to build wire frame: %v", err)
	}

	dec, err := crypto.DecryptFrame(wire)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	r := Parse(m, desc, dec)
	if r.Empty() {
		t.Fatal("decoded frame produced empty result")
	}
	if len(r.Values) != 16 {
		t.Fatalf("got %d values, want 16", len(r.Values))
	}
	for name, want := range reference {
		got, ok := r.Values[name]
		if !ok {
			t.Errorf("missing channel %s", name)
			continue
		}
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}

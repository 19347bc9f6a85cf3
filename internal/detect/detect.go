// Package detect classifies enumerated transport endpoints into device
// model descriptors. Classification is total and side-effect-free: it never
// opens a connection, it only inspects the ids and strings the transport
// scan produced.
//
// Matching precedence:
//  1. exact vendor+product id against the static table
//  2. manufacturer/product string substring
//  3. serial-number year heuristic (serial encodes a 4-digit production
//     year; a year inside a model's production range attributes the device)
//  4. connection-kind heuristic as a last resort
package detect

import (
	"strconv"
	"strings"

	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/sensormap"
)

const vendorOrion = 0x21A1

type idTableEntry struct {
	vendorID  uint16
	productID uint16
	model     string
	format    eeg.FormatVersion
}

// idTable is the static exact-match table, first match wins.
var idTable = []idTableEntry{
	{vendorOrion, 0x0001, sensormap.ModelOrion, eeg.FormatLegacy},
	{vendorOrion, 0x1234, sensormap.ModelOrion, eeg.FormatLegacy},
	{vendorOrion, 0x0002, sensormap.ModelOrion, eeg.FormatExtended},
}

type yearRange struct {
	model  string
	format eeg.FormatVersion
	from   int
	to     int
}

// production-year ranges used by the serial heuristic
var yearRanges = []yearRange{
	{sensormap.ModelOrion, eeg.FormatLegacy, 2009, 2013},
	{sensormap.ModelOrion, eeg.FormatExtended, 2014, 2021},
}

// Match classifies a transport descriptor. The boolean is false when the
// endpoint is not a known EEG device.
func Match(td eeg.TransportDescriptor) (eeg.DeviceDescriptor, bool) {
	for _, e := range idTable {
		if td.VendorID == e.vendorID && td.ProductID == e.productID {
			return describe(e.model, e.format, variantOf(td)), true
		}
	}

	if model, format, ok := matchStrings(td); ok {
		return describe(model, format, variantOf(td)), true
	}

	if year, ok := serialYear(td.Serial); ok {
		for _, r := range yearRanges {
			if year >= r.from && year <= r.to {
				return describe(r.model, r.format, variantOf(td)), true
			}
		}
	}

	switch td.Kind {
	case eeg.ConnectionSPIGPIO:
		return describe(sensormap.ModelAFE8, eeg.FormatRaw24, ""), true
	case eeg.ConnectionBLE:
		// BLE capability implies the newest model of the headset family
		return describe(sensormap.ModelOrion, eeg.FormatExtended, variantOf(td)), true
	}
	return eeg.DeviceDescriptor{}, false
}

func matchStrings(td eeg.TransportDescriptor) (string, eeg.FormatVersion, bool) {
	name := strings.ToUpper(td.Manufacturer + " " + td.Product)
	switch {
	case strings.Contains(name, "PS1") || strings.Contains(name, "PATCH"):
		return sensormap.ModelPS1, eeg.FormatExtended, true
	case strings.Contains(name, "ORION+") || strings.Contains(name, "ORION EXTENDED"):
		return sensormap.ModelOrion, eeg.FormatExtended, true
	case strings.Contains(name, "ORION"):
		return sensormap.ModelOrion, eeg.FormatLegacy, true
	case strings.Contains(name, "AFE"):
		return sensormap.ModelAFE8, eeg.FormatRaw24, true
	}
	return "", "", false
}

// serialYear extracts the 4-digit production year encoded after the "SN"
// prefix, e.g. SN2012xxxxxxxxxx.
func serialYear(serial string) (int, bool) {
	if len(serial) < 6 || !strings.HasPrefix(serial, "SN") {
		return 0, false
	}
	year, err := strconv.Atoi(serial[2:6])
	if err != nil {
		return 0, false
	}
	if year < 2000 || year > 2099 {
		return 0, false
	}
	return year, true
}

func variantOf(td eeg.TransportDescriptor) eeg.DeviceVariant {
	name := strings.ToUpper(td.Manufacturer + " " + td.Product)
	if strings.Contains(name, "RESEARCH") {
		return eeg.VariantResearch
	}
	return eeg.VariantConsumer
}

// describe builds the immutable capability descriptor for a model/format
// pair. Channel lists come from the static sensor maps.
func describe(model string, format eeg.FormatVersion, variant eeg.DeviceVariant) eeg.DeviceDescriptor {
	switch model {
	case sensormap.ModelOrion:
		desc := eeg.DeviceDescriptor{
			Model:       model,
			Channels:    sensormap.OrionChannels(),
			MotionChans: sensormap.OrionMotionChannels(),
			SampleRate:  128,
			Format:      format,
			Variant:     variant,
			Encrypted:   true,
			Connections: []eeg.ConnectionKind{eeg.ConnectionUSB, eeg.ConnectionHID, eeg.ConnectionBLE},
		}
		if format == eeg.FormatExtended {
			desc.SampleRate = 256
			desc.PacketSize = 64
			desc.AltPacketSizes = []int{32}
		} else {
			desc.PacketSize = 32
			desc.AltPacketSizes = []int{64}
		}
		return desc
	case sensormap.ModelPS1:
		return eeg.DeviceDescriptor{
			Model:       model,
			Channels:    []string{"CH1"},
			SampleRate:  250,
			PacketSize:  20,
			Format:      eeg.FormatExtended,
			Encrypted:   false,
			Connections: []eeg.ConnectionKind{eeg.ConnectionBLE},
		}
	case sensormap.ModelAFE8:
		return eeg.DeviceDescriptor{
			Model:       model,
			Channels:    []string{"CH1", "CH2", "CH3", "CH4", "CH5", "CH6", "CH7", "CH8"},
			SampleRate:  250,
			PacketSize:  27,
			Format:      eeg.FormatRaw24,
			Encrypted:   false,
			Connections: []eeg.ConnectionKind{eeg.ConnectionSPIGPIO},
		}
	}
	return eeg.DeviceDescriptor{}
}

// Describe exposes the static descriptor table to configuration loading;
// config files may reference a model by name and override fields.
func Describe(model string, format eeg.FormatVersion, variant eeg.DeviceVariant) (eeg.DeviceDescriptor, bool) {
	desc := describe(model, format, variant)
	if desc.Model == "" {
		return eeg.DeviceDescriptor{}, false
	}
	return desc, true
}

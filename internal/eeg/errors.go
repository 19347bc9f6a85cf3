package eeg

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNotConnected   = errors.New("device not connected")
	ErrAlreadyRemoved = errors.New("device already removed")
	ErrBridgeTimeout  = errors.New("ble bridge request timed out")
	ErrBridgeShutdown = errors.New("ble bridge is not running")
	ErrFrameTooShort  = errors.New("frame shorter than one cipher block")
	ErrUnknownFormat  = errors.New("unknown format version")
	ErrNoStrategy     = errors.New("no connection strategy available")
)

// ConnectionError reports that no matching hardware was found or that a
// transport-specific open step failed.
type ConnectionError struct {
	Kind   ConnectionKind
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection failed (%s): %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("connection failed (%s): %s", e.Kind, e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamingError reports a failure to start or stop the sampling loop.
type StreamingError struct {
	DeviceID string
	Reason   string
}

func (e *StreamingError) Error() string {
	return fmt.Sprintf("streaming error (%s): %s", e.DeviceID, e.Reason)
}

// DecodeError reports a single-frame decode failure. Always non-fatal: the
// frame is skipped, a counter is incremented and the loop continues.
type DecodeError struct {
	Stage  string // "decrypt" or "parse"
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at %s: %s", e.Stage, e.Reason)
}

// ConfigError reports a device descriptor missing required fields.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid descriptor field %q: %s", e.Field, e.Reason)
}

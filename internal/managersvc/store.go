package managersvc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"

	"github.com/opencortex/eeg-agent/internal/eeg"
)

// DeviceRecord is what the manager remembers about a device across restarts.
type DeviceRecord struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	Serial      string    `json:"serial,omitempty"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// Store persists device sightings and calibration profiles.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

func NewStore(db *badger.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

func deviceKey(id string) []byte {
	return []byte(fmt.Sprintf("eeg/devices/%s", id))
}

func calibrationKey(id string) []byte {
	return []byte(fmt.Sprintf("eeg/calibration/%s", id))
}

// RecordSeen upserts the sighting record, preserving the first-seen stamp.
func (s *Store) RecordSeen(id, model, serial string) (DeviceRecord, error) {
	var rec DeviceRecord
	now := s.now()
	err := s.db.Update(func(txn *badger.Txn) error {
		key := deviceKey(id)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			rec = DeviceRecord{ID: id}
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device record: %w", err)
			}
		}
		rec.Model = model
		rec.Serial = serial
		if rec.FirstSeenAt.IsZero() {
			rec.FirstSeenAt = now
		}
		rec.LastSeenAt = now
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal device record: %w", err)
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("failed to record device: %w", err)
	}
	return rec, nil
}

// ListDevices returns every persisted sighting record.
func (s *Store) ListDevices() ([]DeviceRecord, error) {
	var records []DeviceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte("eeg/devices/")
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			var rec DeviceRecord
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return records, nil
}

// SaveCalibration persists a computed baseline profile for a device.
func (s *Store) SaveCalibration(id string, profile eeg.CalibrationProfile) error {
	b, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal calibration: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(calibrationKey(id), b)
	})
	if err != nil {
		return fmt.Errorf("failed to save calibration: %w", err)
	}
	return nil
}

// LoadCalibration fetches a persisted profile. The boolean is false when no
// profile was ever saved for the device.
func (s *Store) LoadCalibration(id string) (eeg.CalibrationProfile, bool, error) {
	var profile eeg.CalibrationProfile
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(calibrationKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &profile)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return eeg.CalibrationProfile{}, false, nil
	}
	if err != nil {
		return eeg.CalibrationProfile{}, false, fmt.Errorf("failed to load calibration: %w", err)
	}
	return profile, true, nil
}

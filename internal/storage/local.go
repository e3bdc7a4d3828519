package storage

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"clinic-sim-engine/internal/patient"
)

const (
	clinicBucket = "clinic"
	keyProfile   = "profile"
	keyHistory   = "patients"
)

// LocalStore is the device-local durable backend, a BoltDB file holding the
// profile snapshot and the capped treated-patient history under fixed keys.
type LocalStore struct {
	db *bbolt.DB
}

// OpenLocal opens (or creates) the local store at the provided path.
func OpenLocal(path string) (*LocalStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("local store path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open local store")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(clinicBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}

	return &LocalStore{db: db}, nil
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}

// GetProfile returns the stored profile snapshot. The second return value is
// false when no profile has been written yet.
func (s *LocalStore) GetProfile() (patient.UserState, bool, error) {
	var st patient.UserState
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(clinicBucket)).Get([]byte(keyProfile))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &st); err != nil {
			return errors.Wrap(err, "decode profile")
		}
		found = true
		return nil
	})
	return st, found, err
}

func (s *LocalStore) PutProfile(st patient.UserState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode profile")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(clinicBucket)).Put([]byte(keyProfile), raw)
	})
}

// GetHistory returns the capped treated-patient list, most recent first.
func (s *LocalStore) GetHistory() ([]patient.Patient, error) {
	var list []patient.Patient
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(clinicBucket)).Get([]byte(keyHistory))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &list); err != nil {
			return errors.Wrap(err, "decode history")
		}
		return nil
	})
	return list, err
}

func (s *LocalStore) PutHistory(list []patient.Patient) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(clinicBucket)).Put([]byte(keyHistory), raw)
	})
}

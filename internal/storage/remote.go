package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"clinic-sim-engine/internal/patient"
)

// RemoteStore is the authoritative cloud backend, a postgres document store
// addressed by user identity with an append-only per-user record table.
type RemoteStore struct {
	db *sql.DB
}

func NewRemoteStore(db *sql.DB) *RemoteStore {
	return &RemoteStore{db: db}
}

// GetProfile reads the profile document for identity. The second return value
// is false when no document exists yet.
func (r *RemoteStore) GetProfile(ctx context.Context, identity string) (patient.UserState, bool, error) {
	var st patient.UserState
	var doc []byte

	query := `SELECT doc FROM profiles WHERE identity = $1`
	err := r.db.QueryRowContext(ctx, query, identity).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return st, false, nil
		}
		return st, false, errors.Wrap(err, "query profile")
	}

	if err := json.Unmarshal(doc, &st); err != nil {
		return st, false, errors.Wrap(err, "decode profile doc")
	}
	return st, true, nil
}

// UpsertProfile writes the full profile snapshot, merging into any existing
// row so server-side metadata (created_at) survives.
func (r *RemoteStore) UpsertProfile(ctx context.Context, identity string, st patient.UserState) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode profile doc")
	}

	query := `
		INSERT INTO profiles (identity, doc, last_synced)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO UPDATE SET
			doc = $2,
			last_synced = $3
	`
	_, err = r.db.ExecContext(ctx, query, identity, doc, time.Now())
	return errors.Wrap(err, "upsert profile")
}

// InsertRecord appends one treated-patient document to the identity's record
// collection. Ordering follows the patient's own visit timestamp.
func (r *RemoteStore) InsertRecord(ctx context.Context, identity string, p patient.Patient) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode patient doc")
	}

	query := `
		INSERT INTO patient_records (identity, doc, recorded_at)
		VALUES ($1, $2, $3)
	`
	_, err = r.db.ExecContext(ctx, query, identity, doc, p.Timestamp)
	return errors.Wrap(err, "insert patient record")
}

// QueryRecords returns up to limit records for identity, newest first.
func (r *RemoteStore) QueryRecords(ctx context.Context, identity string, limit int) ([]patient.Patient, error) {
	query := `
		SELECT doc FROM patient_records
		WHERE identity = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, identity, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query patient records")
	}
	defer rows.Close()

	var records []patient.Patient
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Wrap(err, "scan patient record")
		}
		var p patient.Patient
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, errors.Wrap(err, "decode patient record")
		}
		records = append(records, p)
	}
	return records, rows.Err()
}

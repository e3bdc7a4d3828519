// Package storage provides the dual-backend persistence gateway: a durable
// device-local BoltDB store that is always written, and an authoritative
// remote postgres store mirrored on a best-effort basis when the user is
// signed in. Local is the fallback of record; remote failures degrade, they
// never surface to gameplay.
package storage

import (
	"context"

	"clinic-sim-engine/internal/patient"
	"clinic-sim-engine/internal/platform/logger"
)

// HistoryCap bounds the local treated-patient list. The remote record
// collection is unbounded.
const HistoryCap = 50

// Local is the device-local durable key/value backend.
type Local interface {
	GetProfile() (patient.UserState, bool, error)
	PutProfile(st patient.UserState) error
	GetHistory() ([]patient.Patient, error)
	PutHistory(list []patient.Patient) error
}

// Remote is the authoritative cloud backend, available only when the user is
// authenticated.
type Remote interface {
	GetProfile(ctx context.Context, identity string) (patient.UserState, bool, error)
	UpsertProfile(ctx context.Context, identity string, st patient.UserState) error
	InsertRecord(ctx context.Context, identity string, p patient.Patient) error
	QueryRecords(ctx context.Context, identity string, limit int) ([]patient.Patient, error)
}

// Gateway composes the two backends. remote may be nil when the server runs
// without a cloud database.
type Gateway struct {
	local  Local
	remote Remote
	log    *logger.Logger
}

func NewGateway(local Local, remote Remote, log *logger.Logger) *Gateway {
	return &Gateway{local: local, remote: remote, log: log}
}

func (g *Gateway) remoteFor(identity string) Remote {
	if identity == "" || g.remote == nil {
		return nil
	}
	return g.remote
}

// LoadProfile reads the profile for identity, creating it with defaults when
// absent. Remote read failures fall back silently to the local copy; local
// failures yield defaults so the caller continues in a degraded mode.
func (g *Gateway) LoadProfile(ctx context.Context, identity string) (patient.UserState, error) {
	if remote := g.remoteFor(identity); remote != nil {
		st, found, err := remote.GetProfile(ctx, identity)
		if err == nil {
			if found {
				return normalize(st), nil
			}
			def := patient.DefaultUserState()
			if err := remote.UpsertProfile(ctx, identity, def); err != nil {
				g.log.Warn("create remote profile failed", "identity", identity, "error", err)
			}
			return def, nil
		}
		g.log.Warn("remote profile read failed, using local copy", "identity", identity, "error", err)
	}

	st, found, err := g.local.GetProfile()
	if err != nil {
		g.log.Error("local profile read failed, using defaults", "error", err)
		return patient.DefaultUserState(), nil
	}
	if !found {
		def := patient.DefaultUserState()
		if err := g.local.PutProfile(def); err != nil {
			g.log.Error("seed local profile failed", "error", err)
		}
		return def, nil
	}
	return normalize(st), nil
}

// SaveProfile writes the full snapshot. The local write is the durability
// guarantee; the remote upsert is best-effort mirroring and never blocks or
// rolls back the local write.
func (g *Gateway) SaveProfile(ctx context.Context, st patient.UserState, identity string) error {
	if remote := g.remoteFor(identity); remote != nil {
		if err := remote.UpsertProfile(ctx, identity, st); err != nil {
			g.log.Warn("remote profile write failed", "identity", identity, "error", err)
		}
	}
	return g.local.PutProfile(st)
}

// AppendHistoryRecord prepends p to the capped local list and, when signed
// in, inserts a document into the remote record collection.
func (g *Gateway) AppendHistoryRecord(ctx context.Context, p patient.Patient, identity string) error {
	if remote := g.remoteFor(identity); remote != nil {
		if err := remote.InsertRecord(ctx, identity, p); err != nil {
			g.log.Warn("remote record insert failed", "identity", identity, "error", err)
		}
	}

	list, err := g.local.GetHistory()
	if err != nil {
		g.log.Error("local history read failed, starting fresh list", "error", err)
		list = nil
	}
	list = append([]patient.Patient{p}, list...)
	if len(list) > HistoryCap {
		list = list[:HistoryCap]
	}
	return g.local.PutHistory(list)
}

// QueryHistory returns the most recent limit records when the remote backend
// is reachable, otherwise the local capped list regardless of limit.
func (g *Gateway) QueryHistory(ctx context.Context, identity string, limit int) ([]patient.Patient, error) {
	if remote := g.remoteFor(identity); remote != nil {
		records, err := remote.QueryRecords(ctx, identity, limit)
		if err == nil {
			return records, nil
		}
		g.log.Warn("remote record query failed, using local list", "identity", identity, "error", err)
	}

	list, err := g.local.GetHistory()
	if err != nil {
		g.log.Error("local history read failed", "error", err)
		return nil, nil
	}
	return list, nil
}

// MigrateLocalToRemote copies the local profile and history to the remote
// backend, once, on sign-in. If a remote profile already exists it is
// returned untouched: a stale local copy never overwrites it.
func (g *Gateway) MigrateLocalToRemote(ctx context.Context, identity string) (patient.UserState, error) {
	remote := g.remoteFor(identity)
	if remote == nil {
		return g.LoadProfile(ctx, "")
	}

	st, found, err := remote.GetProfile(ctx, identity)
	if err != nil {
		return patient.UserState{}, err
	}
	if found {
		return normalize(st), nil
	}

	localState, err := g.LoadProfile(ctx, "")
	if err != nil {
		return patient.UserState{}, err
	}
	if err := remote.UpsertProfile(ctx, identity, localState); err != nil {
		return patient.UserState{}, err
	}

	history, err := g.local.GetHistory()
	if err != nil {
		g.log.Warn("local history read failed during migration", "error", err)
		return localState, nil
	}
	// The local list is newest-first; replay oldest-first so the remote
	// collection approximates original chronological order.
	for i := len(history) - 1; i >= 0; i-- {
		if err := remote.InsertRecord(ctx, identity, history[i]); err != nil {
			g.log.Warn("history replay insert failed", "identity", identity, "error", err)
		}
	}
	return localState, nil
}

// normalize repairs profiles written before the roster existed.
func normalize(st patient.UserState) patient.UserState {
	if st.PatientPanel == nil {
		st.PatientPanel = []patient.Patient{}
	}
	return st
}

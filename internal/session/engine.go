// Package session implements the case lifecycle: the phase state machine,
// the single-slot speculative prefetch, the returning-patient policy and the
// write-through to the persistence gateway.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"clinic-sim-engine/internal/generator"
	"clinic-sim-engine/internal/patient"
	"clinic-sim-engine/internal/platform/logger"
	"clinic-sim-engine/internal/random"
)

// Phase is the current step of a case's resolution lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseDiagnosing Phase = "DIAGNOSING"
	PhaseTreating   Phase = "TREATING"
	PhaseCompleted  Phase = "COMPLETED"
	PhaseErrored    Phase = "ERRORED"
)

// XP gained per treated case.
const xpPerCase = 20

// Dwell before a completed case auto-advances to the prefetched one.
const autoAdvanceDwell = 3 * time.Second

// CaseGenerator produces cases and their best-effort secondary assets.
type CaseGenerator interface {
	GeneratePatient(ctx context.Context, existing *patient.Patient) (patient.Patient, error)
	GenerateSecondaryAsset(ctx context.Context, kind patient.AssetKind, p patient.Patient) (*patient.Asset, error)
}

// Store is the persistence gateway consumed by the engine.
type Store interface {
	LoadProfile(ctx context.Context, identity string) (patient.UserState, error)
	SaveProfile(ctx context.Context, st patient.UserState, identity string) error
	AppendHistoryRecord(ctx context.Context, p patient.Patient, identity string) error
	QueryHistory(ctx context.Context, identity string, limit int) ([]patient.Patient, error)
	MigrateLocalToRemote(ctx context.Context, identity string) (patient.UserState, error)
}

var (
	ErrWrongPhase = errors.New("action not valid in current phase")
	ErrNoActive   = errors.New("no active case")
	ErrBadOption  = errors.New("option index out of range")
	ErrBusy       = errors.New("a case request is already in flight")
	ErrNoIdentity = errors.New("identity is required")
)

// Engine owns one user session. All state lives behind one mutex; slow work
// (generation, persistence) happens outside it and late results are discarded
// by visit identity rather than cancelled.
type Engine struct {
	gen   CaseGenerator
	store Store
	log   *logger.Logger

	clock func() time.Time
	dwell time.Duration

	mu           sync.Mutex
	rng          *rand.Rand
	identity     string
	user         patient.UserState
	phase        Phase
	current      *patient.Patient
	errMsg       string
	autoAdvanced bool
	requesting   bool
	slot         *prefetchSlot
}

func NewEngine(gen CaseGenerator, store Store, log *logger.Logger) *Engine {
	seed, err := random.NewSeed()
	if err != nil {
		seed = time.Now().UnixNano()
	}
	return &Engine{
		gen:   gen,
		store: store,
		log:   log,
		clock: time.Now,
		dwell: autoAdvanceDwell,
		rng:   rand.New(rand.NewSource(seed)),
		phase: PhaseIdle,
		user:  patient.DefaultUserState(),
	}
}

// Start loads the device-local profile and resumes any mid-case visit.
func (e *Engine) Start(ctx context.Context) error {
	st, err := e.store.LoadProfile(ctx, "")
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.adoptProfileLocked(st)
	e.mu.Unlock()
	return nil
}

func (e *Engine) adoptProfileLocked(st patient.UserState) {
	e.user = st
	e.slot = nil
	e.errMsg = ""
	e.autoAdvanced = false
	if st.ActivePatient != nil {
		active := *st.ActivePatient
		e.current = &active
		e.phase = PhaseDiagnosing
	} else {
		e.current = nil
		e.phase = PhaseIdle
	}
}

// RequestNewCase issues a fresh on-demand generation request. At most one may
// be outstanding; a concurrent call is a no-op returning ErrBusy.
func (e *Engine) RequestNewCase(ctx context.Context) error {
	e.mu.Lock()
	if e.requesting {
		e.mu.Unlock()
		return ErrBusy
	}
	e.requesting = true
	e.phase = PhaseIdle
	e.errMsg = ""
	e.current = nil
	e.autoAdvanced = false
	// Any pending prefetch was armed against the previous roster snapshot;
	// drop it so the next completion arms a fresh one.
	e.slot = nil
	returning := pickReturning(e.rng, e.user.PatientPanel)
	e.mu.Unlock()

	p, err := e.gen.GeneratePatient(ctx, returning)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.requesting = false
	if err != nil {
		e.phase = PhaseErrored
		e.errMsg = categorize(err)
		e.current = nil
		e.log.Error("case generation failed", "error", err)
		return err
	}
	e.adoptCaseLocked(p)
	return nil
}

// adoptCaseLocked promotes p to the active case and kicks off write-through
// and enrichment.
func (e *Engine) adoptCaseLocked(p patient.Patient) {
	e.current = &p
	e.phase = PhaseDiagnosing
	e.errMsg = ""

	active := p
	e.user.ActivePatient = &active
	snapshot := e.user
	identity := e.identity

	go e.persistProfile(snapshot, identity)
	go e.enrich(p)
}

func (e *Engine) persistProfile(st patient.UserState, identity string) {
	if err := e.store.SaveProfile(context.Background(), st, identity); err != nil {
		e.log.Error("profile write failed", "error", err)
	}
}

// SubmitAnswer evaluates the chosen option for the given phase. A wrong
// answer is per-attempt feedback only: state is unchanged and retries are
// unlimited. The correct treatment answer completes the case.
func (e *Engine) SubmitAnswer(ctx context.Context, phase Phase, optionIndex int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return false, ErrNoActive
	}
	if phase != e.phase {
		return false, ErrWrongPhase
	}

	switch e.phase {
	case PhaseDiagnosing:
		if optionIndex < 0 || optionIndex >= len(e.current.DiagnosisOptions) {
			return false, ErrBadOption
		}
		if optionIndex != e.current.CorrectDiagnosisIndex {
			return false, nil
		}
		e.phase = PhaseTreating
		return true, nil

	case PhaseTreating:
		if optionIndex < 0 || optionIndex >= len(e.current.TreatmentOptions) {
			return false, ErrBadOption
		}
		if optionIndex != e.current.CorrectTreatmentIndex {
			return false, nil
		}
		e.completeLocked()
		return true, nil

	default:
		return false, ErrWrongPhase
	}
}

// completeLocked is the only transition that mutates UserState: reward, XP,
// level-up, roster upsert, history append, write-through and prefetch arming.
func (e *Engine) completeLocked() {
	treated := *e.current
	treated.IsTreated = true
	history := make([]patient.HistoryItem, len(treated.PastHistory), len(treated.PastHistory)+1)
	copy(history, treated.PastHistory)
	treated.PastHistory = append(history, patient.HistoryItem{
		Timestamp: e.clock(),
		Ailment:   treated.Ailment,
		Treatment: treated.TreatmentOptions[treated.CorrectTreatmentIndex],
	})

	u := e.user
	// floor(R * (1 + (L-1)*0.1)) in exact integer arithmetic.
	finalReward := treated.Reward * (u.Level + 9) / 10
	u.Currency += finalReward
	u.Experience += xpPerCase
	if u.Experience >= patient.XPToLevelUp {
		u.Experience -= patient.XPToLevelUp
		u.Level++
		u.Currency += 100
	}
	u.PatientsTreated++
	u.ActivePatient = nil
	u.PatientPanel = patient.UpsertPanel(u.PatientPanel, treated)

	e.user = u
	e.current = &treated
	e.phase = PhaseCompleted
	e.autoAdvanced = false

	identity := e.identity
	go func() {
		ctx := context.Background()
		if err := e.store.SaveProfile(ctx, u, identity); err != nil {
			e.log.Error("profile write failed", "error", err)
		}
		if err := e.store.AppendHistoryRecord(ctx, treated, identity); err != nil {
			e.log.Error("history append failed", "error", err)
		}
	}()

	slot := e.armPrefetchLocked()
	go e.autoAdvanceLoop(treated.VisitID, slot)
}

// armPrefetchLocked starts the speculative request for the next case. It is
// idempotent: an existing slot is never re-armed.
func (e *Engine) armPrefetchLocked() *prefetchSlot {
	if e.slot != nil {
		return e.slot
	}
	slot := newPrefetchSlot()
	e.slot = slot
	returning := pickReturning(e.rng, e.user.PatientPanel)

	go func() {
		p, err := e.gen.GeneratePatient(context.Background(), returning)
		if err != nil {
			e.log.Warn("prefetch generation failed", "error", err)
		}
		slot.resolve(p, err)
	}()
	return slot
}

// autoAdvanceLoop fires the Completed -> Idle transition once the dwell has
// elapsed and the prefetched case has resolved successfully. The dwell is a
// UX floor, not a deadline: an unresolved slot keeps the session in
// Completed. A failed prefetch never auto-advances; the user's manual
// advance handles the fallback.
func (e *Engine) autoAdvanceLoop(visitID string, slot *prefetchSlot) {
	timer := time.NewTimer(e.dwell)
	defer timer.Stop()
	<-timer.C

	if _, err := slot.await(); err != nil {
		return
	}

	e.mu.Lock()
	stale := e.phase != PhaseCompleted || e.current == nil || e.current.VisitID != visitID
	e.mu.Unlock()
	if stale {
		return
	}
	e.advance(context.Background(), true)
}

// ForceAdvance moves on from a completed case immediately, consuming the
// prefetch slot (awaiting it if still pending) or falling back to a fresh
// request. Racing against the auto-advance timer is safe: whichever fires
// first wins and the other observes the phase change and becomes a no-op.
func (e *Engine) ForceAdvance(ctx context.Context) error {
	return e.advance(ctx, false)
}

func (e *Engine) advance(ctx context.Context, auto bool) error {
	e.mu.Lock()
	if e.phase != PhaseCompleted {
		e.mu.Unlock()
		return nil
	}
	if e.requesting {
		e.mu.Unlock()
		return ErrBusy
	}
	slot := e.slot
	e.slot = nil
	e.phase = PhaseIdle
	e.errMsg = ""
	e.current = nil
	e.autoAdvanced = auto
	e.requesting = slot != nil
	e.mu.Unlock()

	if slot != nil {
		p, err := slot.await()
		e.mu.Lock()
		e.requesting = false
		if err == nil {
			e.adoptCaseLocked(p)
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()
		e.log.Warn("prefetched case unusable, requesting fresh", "error", err)
	}
	return e.RequestNewCase(ctx)
}

// enrich fetches the secondary assets for p and merges them into the active
// case. Results arriving after the active visit changed are dropped.
func (e *Engine) enrich(p patient.Patient) {
	ctx := context.Background()
	kinds := []patient.AssetKind{patient.AssetConditionImage, patient.AssetAudio}
	if strings.Contains(p.ImageURL, "dicebear") {
		kinds = append(kinds, patient.AssetAvatar)
	}

	var wg sync.WaitGroup
	assets := make([]*patient.Asset, len(kinds))
	for i, kind := range kinds {
		wg.Add(1)
		go func(i int, kind patient.AssetKind) {
			defer wg.Done()
			asset, err := e.gen.GenerateSecondaryAsset(ctx, kind, p)
			if err != nil {
				e.log.Warn("asset generation failed", "kind", kind, "error", err)
				return
			}
			assets[i] = asset
		}(i, kind)
	}
	wg.Wait()

	any := false
	for _, a := range assets {
		if a != nil {
			any = true
		}
	}
	if !any {
		return
	}

	e.mu.Lock()
	if e.current == nil || e.current.VisitID != p.VisitID {
		e.mu.Unlock()
		e.log.Debug("dropping stale enrichment", "visit_id", p.VisitID)
		return
	}
	updated := *e.current
	for _, a := range assets {
		if a == nil {
			continue
		}
		switch a.Kind {
		case patient.AssetAvatar:
			updated.ImageURL = a.Data
		case patient.AssetConditionImage:
			updated.ConditionImageURL = a.Data
		case patient.AssetAudio:
			updated.AudioData = a.Data
			updated.AudioType = a.Audio
		}
	}
	e.current = &updated
	active := updated
	e.user.ActivePatient = &active
	snapshot := e.user
	identity := e.identity
	e.mu.Unlock()

	e.persistProfile(snapshot, identity)
}

// SignIn switches the session to an authenticated identity, migrating the
// local profile to the remote store on first sign-in.
func (e *Engine) SignIn(ctx context.Context, identity string) error {
	if strings.TrimSpace(identity) == "" {
		return ErrNoIdentity
	}

	st, err := e.store.MigrateLocalToRemote(ctx, identity)
	if err != nil {
		e.log.Warn("migration failed, loading profile directly", "identity", identity, "error", err)
		st, err = e.store.LoadProfile(ctx, identity)
		if err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.identity = identity
	e.adoptProfileLocked(st)
	e.mu.Unlock()
	return nil
}

// SignOut reverts the session to the device-local guest profile.
func (e *Engine) SignOut(ctx context.Context) error {
	st, err := e.store.LoadProfile(ctx, "")
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.identity = ""
	e.adoptProfileLocked(st)
	e.mu.Unlock()
	return nil
}

// State is a read-only snapshot for the presentation layer.
type State struct {
	Phase        Phase             `json:"phase"`
	Patient      *patient.Patient  `json:"patient,omitempty"`
	Error        string            `json:"error,omitempty"`
	User         patient.UserState `json:"user"`
	LevelTitle   string            `json:"level_title"`
	AutoAdvanced bool              `json:"auto_advanced"`
	SignedIn     bool              `json:"signed_in"`
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{
		Phase:        e.phase,
		Error:        e.errMsg,
		User:         e.user,
		LevelTitle:   patient.LevelTitle(e.user.Level),
		AutoAdvanced: e.autoAdvanced,
		SignedIn:     e.identity != "",
	}
	// Detach the slice and pointer fields so callers never alias live state.
	if e.user.PatientPanel != nil {
		panel := make([]patient.Patient, len(e.user.PatientPanel))
		copy(panel, e.user.PatientPanel)
		st.User.PatientPanel = panel
	}
	if e.user.ActivePatient != nil {
		active := *e.user.ActivePatient
		st.User.ActivePatient = &active
	}
	if e.current != nil {
		current := *e.current
		st.Patient = &current
	}
	return st
}

// History returns the treated-case records visible to this session.
func (e *Engine) History(ctx context.Context, limit int) ([]patient.Patient, error) {
	e.mu.Lock()
	identity := e.identity
	e.mu.Unlock()
	return e.store.QueryHistory(ctx, identity, limit)
}

// categorize maps a generation failure to the user-facing message.
func categorize(err error) string {
	switch {
	case generator.IsQuota(err):
		return "Daily clinic quota exceeded!"
	case generator.IsRetryable(err):
		return "Network interference. The clinic line is busy."
	default:
		return fmt.Sprintf("Failed to find a patient: %v", err)
	}
}

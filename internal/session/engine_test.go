package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"clinic-sim-engine/internal/patient"
	"clinic-sim-engine/internal/platform/logger"
)

type fakeGenerator struct {
	mu            sync.Mutex
	caseCalls     int
	continuations []*patient.Patient
	generate      func(existing *patient.Patient) (patient.Patient, error)
	assets        map[patient.AssetKind]*patient.Asset
}

func (f *fakeGenerator) GeneratePatient(ctx context.Context, existing *patient.Patient) (patient.Patient, error) {
	f.mu.Lock()
	f.caseCalls++
	n := f.caseCalls
	f.continuations = append(f.continuations, existing)
	gen := f.generate
	f.mu.Unlock()
	if gen != nil {
		return gen(existing)
	}
	return testCase(fmt.Sprintf("case-%d", n)), nil
}

func (f *fakeGenerator) GenerateSecondaryAsset(ctx context.Context, kind patient.AssetKind, p patient.Patient) (*patient.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assets[kind], nil
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caseCalls
}

type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]patient.UserState
	history  []patient.Patient
	loadErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{profiles: make(map[string]patient.UserState)}
}

func (f *fakeStore) LoadProfile(ctx context.Context, identity string) (patient.UserState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return patient.UserState{}, f.loadErr
	}
	if st, ok := f.profiles[identity]; ok {
		return st, nil
	}
	return patient.DefaultUserState(), nil
}

func (f *fakeStore) SaveProfile(ctx context.Context, st patient.UserState, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[identity] = st
	return nil
}

func (f *fakeStore) AppendHistoryRecord(ctx context.Context, p patient.Patient, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append([]patient.Patient{p}, f.history...)
	return nil
}

func (f *fakeStore) QueryHistory(ctx context.Context, identity string, limit int) ([]patient.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.history) > limit {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeStore) MigrateLocalToRemote(ctx context.Context, identity string) (patient.UserState, error) {
	return f.LoadProfile(ctx, identity)
}

func testCase(id string) patient.Patient {
	return patient.Patient{
		ID:                    id,
		VisitID:               id + "-v1",
		Name:                  "Test Patient " + id,
		Ailment:               "Sprained ankle",
		DiagnosisOptions:      []string{"Sprain", "Fracture", "Gout"},
		CorrectDiagnosisIndex: 0,
		TreatmentOptions:      []string{"Rest and ice", "Cast", "Steroids"},
		CorrectTreatmentIndex: 0,
		Reward:                120,
		Timestamp:             time.Now(),
		VisitCount:            1,
		VisitReason:           patient.ReasonNewPatient,
	}
}

func newTestEngine(gen *fakeGenerator, store Store) *Engine {
	e := NewEngine(gen, store, logger.Nop())
	e.rng = rand.New(rand.NewSource(1))
	e.dwell = time.Hour // keep auto-advance out of tests unless shortened
	return e
}

// completeCase drives the active case to Completed via correct answers.
func completeCase(t *testing.T, e *Engine) {
	t.Helper()
	st := e.State()
	if st.Patient == nil {
		t.Fatal("no active case to complete")
	}
	correct, err := e.SubmitAnswer(context.Background(), PhaseDiagnosing, st.Patient.CorrectDiagnosisIndex)
	if err != nil || !correct {
		t.Fatalf("diagnosis answer: correct=%v err=%v", correct, err)
	}
	correct, err = e.SubmitAnswer(context.Background(), PhaseTreating, st.Patient.CorrectTreatmentIndex)
	if err != nil || !correct {
		t.Fatalf("treatment answer: correct=%v err=%v", correct, err)
	}
}

func waitForPhase(t *testing.T, e *Engine, want Phase) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := e.State()
		if st.Phase == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase never reached %s, last state %s", want, e.State().Phase)
	return State{}
}

func TestRequestNewCaseEntersDiagnosing(t *testing.T) {
	gen := &fakeGenerator{}
	e := newTestEngine(gen, newFakeStore())

	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatalf("RequestNewCase() error = %v", err)
	}

	st := e.State()
	if st.Phase != PhaseDiagnosing {
		t.Errorf("phase = %s, want %s", st.Phase, PhaseDiagnosing)
	}
	if st.Patient == nil {
		t.Fatal("no active case set")
	}
	if st.User.ActivePatient == nil || st.User.ActivePatient.VisitID != st.Patient.VisitID {
		t.Error("active case not snapshotted into the profile")
	}
}

func TestRequestNewCaseFailureEntersErrored(t *testing.T) {
	gen := &fakeGenerator{generate: func(*patient.Patient) (patient.Patient, error) {
		return patient.Patient{}, errors.New("model exploded")
	}}
	e := newTestEngine(gen, newFakeStore())

	if err := e.RequestNewCase(context.Background()); err == nil {
		t.Fatal("RequestNewCase() error = nil, want failure")
	}

	st := e.State()
	if st.Phase != PhaseErrored {
		t.Errorf("phase = %s, want %s", st.Phase, PhaseErrored)
	}
	if st.Patient != nil {
		t.Error("a failed generation must not leave a half-built case active")
	}
	if st.Error == "" {
		t.Error("expected a user-facing error message")
	}

	// A user-triggered retry re-enters the loop deterministically.
	gen.mu.Lock()
	gen.generate = nil
	gen.mu.Unlock()
	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatalf("retry RequestNewCase() error = %v", err)
	}
	if st := e.State(); st.Phase != PhaseDiagnosing || st.Error != "" {
		t.Errorf("after retry: phase=%s error=%q", st.Phase, st.Error)
	}
}

func TestWrongAnswersAreNotTransitions(t *testing.T) {
	gen := &fakeGenerator{}
	e := newTestEngine(gen, newFakeStore())
	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		correct, err := e.SubmitAnswer(context.Background(), PhaseDiagnosing, 1)
		if err != nil {
			t.Fatalf("SubmitAnswer() error = %v", err)
		}
		if correct {
			t.Fatal("wrong option reported correct")
		}
		if st := e.State(); st.Phase != PhaseDiagnosing {
			t.Fatalf("wrong answer changed phase to %s", st.Phase)
		}
	}

	// Unlimited retries: the correct option still works afterwards.
	correct, err := e.SubmitAnswer(context.Background(), PhaseDiagnosing, 0)
	if err != nil || !correct {
		t.Fatalf("correct answer after retries: correct=%v err=%v", correct, err)
	}
	if st := e.State(); st.Phase != PhaseTreating {
		t.Errorf("phase = %s, want %s", st.Phase, PhaseTreating)
	}
}

func TestCompletionEconomy(t *testing.T) {
	tests := []struct {
		name         string
		level        int
		experience   int
		currency     int
		reward       int
		wantLevel    int
		wantXP       int
		wantCurrency int
	}{
		{
			name:  "base level credit",
			level: 1, experience: 0, currency: 50, reward: 120,
			wantLevel: 1, wantXP: 20, wantCurrency: 50 + 120,
		},
		{
			name:  "level multiplier floors",
			level: 4, experience: 0, currency: 0, reward: 105,
			// floor(105 * 1.3) = 136
			wantLevel: 4, wantXP: 20, wantCurrency: 136,
		},
		{
			name:  "level up rolls over xp and grants bonus",
			level: 2, experience: 80, currency: 10, reward: 100,
			// floor(100 * 1.1) = 110, then +100 level-up bonus
			wantLevel: 3, wantXP: 0, wantCurrency: 10 + 110 + 100,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gen := &fakeGenerator{generate: func(*patient.Patient) (patient.Patient, error) {
				p := testCase("econ")
				p.Reward = tc.reward
				return p, nil
			}}
			store := newFakeStore()
			st := patient.DefaultUserState()
			st.Level = tc.level
			st.Experience = tc.experience
			st.Currency = tc.currency
			store.profiles[""] = st

			e := newTestEngine(gen, store)
			if err := e.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			if err := e.RequestNewCase(context.Background()); err != nil {
				t.Fatal(err)
			}
			completeCase(t, e)

			got := e.State()
			if got.Phase != PhaseCompleted {
				t.Errorf("phase = %s, want %s", got.Phase, PhaseCompleted)
			}
			if got.User.Level != tc.wantLevel {
				t.Errorf("level = %d, want %d", got.User.Level, tc.wantLevel)
			}
			if got.User.Experience != tc.wantXP {
				t.Errorf("experience = %d, want %d", got.User.Experience, tc.wantXP)
			}
			if got.User.Currency != tc.wantCurrency {
				t.Errorf("currency = %d, want %d", got.User.Currency, tc.wantCurrency)
			}
		})
	}
}

func TestCompletionUpdatesRosterAndHistory(t *testing.T) {
	gen := &fakeGenerator{}
	store := newFakeStore()
	e := newTestEngine(gen, store)
	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatal(err)
	}
	active := *e.State().Patient
	completeCase(t, e)

	st := e.State()
	if st.User.PatientsTreated != 1 {
		t.Errorf("patients treated = %d, want 1", st.User.PatientsTreated)
	}
	if st.User.ActivePatient != nil {
		t.Error("active patient snapshot should be cleared on completion")
	}
	if len(st.User.PatientPanel) != 1 || st.User.PatientPanel[0].ID != active.ID {
		t.Fatalf("roster = %+v, want the treated case", st.User.PatientPanel)
	}
	treated := st.User.PatientPanel[0]
	if !treated.IsTreated {
		t.Error("roster entry not marked treated")
	}
	if len(treated.PastHistory) != 1 {
		t.Fatalf("history length = %d, want 1", len(treated.PastHistory))
	}
	if treated.PastHistory[0].Ailment != active.Ailment {
		t.Errorf("history ailment = %q, want %q", treated.PastHistory[0].Ailment, active.Ailment)
	}
	if treated.PastHistory[0].Treatment != active.TreatmentOptions[active.CorrectTreatmentIndex] {
		t.Errorf("history treatment = %q", treated.PastHistory[0].Treatment)
	}

	// The write-through lands in the store.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		n := len(store.history)
		store.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("completion never appended a history record")
}

func TestRosterReplacementCarriesHistoryForward(t *testing.T) {
	// First visit introduces the patient; completing a continuation visit
	// replaces the roster entry, carrying the accumulated history forward.
	gen := &fakeGenerator{}
	e := newTestEngine(gen, newFakeStore())

	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatal(err)
	}
	completeCase(t, e)

	first := e.State().User.PatientPanel[0]
	next := first
	next.VisitID = "return-visit"
	next.VisitCount = first.VisitCount + 1
	next.VisitReason = patient.ReasonFollowUp
	next.IsTreated = false

	e.mu.Lock()
	e.phase = PhaseIdle
	e.slot = nil
	e.adoptCaseLocked(next)
	e.mu.Unlock()
	completeCase(t, e)

	final := e.State()
	if len(final.User.PatientPanel) != 1 {
		t.Fatalf("roster size = %d, want 1 (replace, not insert)", len(final.User.PatientPanel))
	}
	entry := final.User.PatientPanel[0]
	if entry.VisitCount != 2 {
		t.Errorf("visit count = %d, want 2", entry.VisitCount)
	}
	if got := len(entry.PastHistory); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
}

func TestAutoAdvancePromotesPrefetchedCase(t *testing.T) {
	gen := &fakeGenerator{}
	e := newTestEngine(gen, newFakeStore())
	e.dwell = 10 * time.Millisecond

	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := e.State().Patient.VisitID
	completeCase(t, e)

	st := waitForPhase(t, e, PhaseDiagnosing)
	if st.Patient.VisitID == first {
		t.Error("auto-advance kept the old case active")
	}
	if !st.AutoAdvanced {
		t.Error("AutoAdvanced flag not set for the timer-driven transition")
	}
	if got := gen.calls(); got != 2 {
		t.Errorf("generation calls = %d, want 2 (initial + prefetch)", got)
	}
}

func TestForceAdvanceConsumesPrefetchOnce(t *testing.T) {
	gen := &fakeGenerator{}
	e := newTestEngine(gen, newFakeStore())

	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatal(err)
	}
	completeCase(t, e)

	if err := e.ForceAdvance(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := waitForPhase(t, e, PhaseDiagnosing)
	if st.AutoAdvanced {
		t.Error("manual advance flagged as auto")
	}

	// Second advance observes the committed transition and is a no-op.
	if err := e.ForceAdvance(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := gen.calls(); got != 2 {
		t.Errorf("generation calls = %d, want 2 (double advance must not re-request)", got)
	}
}

func TestForceAdvanceFallsBackWhenPrefetchFails(t *testing.T) {
	gen := &fakeGenerator{}
	gen.generate = func(existing *patient.Patient) (patient.Patient, error) {
		if gen.calls() == 2 { // the prefetch arming
			return patient.Patient{}, errors.New("transient failure")
		}
		return testCase(fmt.Sprintf("case-%d", gen.calls())), nil
	}
	e := newTestEngine(gen, newFakeStore())

	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatal(err)
	}
	completeCase(t, e)

	if err := e.ForceAdvance(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := waitForPhase(t, e, PhaseDiagnosing)
	if st.Patient == nil {
		t.Fatal("fallback request did not produce a case")
	}
	if got := gen.calls(); got != 3 {
		t.Errorf("generation calls = %d, want 3 (initial + failed prefetch + fresh fallback)", got)
	}
}

func TestFailedPrefetchNeverAutoAdvances(t *testing.T) {
	gen := &fakeGenerator{}
	gen.generate = func(existing *patient.Patient) (patient.Patient, error) {
		if gen.calls() == 2 {
			return patient.Patient{}, errors.New("transient failure")
		}
		return testCase("only"), nil
	}
	e := newTestEngine(gen, newFakeStore())
	e.dwell = 5 * time.Millisecond

	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatal(err)
	}
	completeCase(t, e)

	time.Sleep(100 * time.Millisecond)
	if st := e.State(); st.Phase != PhaseCompleted {
		t.Errorf("phase = %s, want to stay %s until a manual advance", st.Phase, PhaseCompleted)
	}
}

func TestNewCaseRequestInvalidatesPrefetch(t *testing.T) {
	gen := &fakeGenerator{}
	e := newTestEngine(gen, newFakeStore())

	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatal(err)
	}
	completeCase(t, e)

	e.mu.Lock()
	slot := e.slot
	e.mu.Unlock()
	if slot == nil {
		t.Fatal("no prefetch armed after completion")
	}
	stale, err := slot.await()
	if err != nil {
		t.Fatal(err)
	}

	// A fresh on-demand request replaces the active case; the slot armed
	// against the old roster snapshot must go with it.
	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.mu.Lock()
	kept := e.slot != nil
	e.mu.Unlock()
	if kept {
		t.Fatal("prefetch slot survived the active case change")
	}

	// The next completion arms against the current roster, and the advance
	// promotes that case, not the one generated before the last completion.
	completeCase(t, e)
	if err := e.ForceAdvance(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := waitForPhase(t, e, PhaseDiagnosing)
	if st.Patient.VisitID == stale.VisitID {
		t.Errorf("advance promoted the stale case %q", stale.VisitID)
	}
	if got := gen.calls(); got != 4 {
		t.Errorf("generation calls = %d, want 4 (two requests, two prefetches)", got)
	}
}

func TestStateSnapshotIsDetached(t *testing.T) {
	gen := &fakeGenerator{}
	e := newTestEngine(gen, newFakeStore())
	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := e.State()
	if st.User.ActivePatient == nil {
		t.Fatal("no active patient in snapshot")
	}
	st.User.ActivePatient.Name = "Mangled"
	if e.State().User.ActivePatient.Name == "Mangled" {
		t.Error("snapshot active patient aliases live session state")
	}

	completeCase(t, e)
	st = e.State()
	if len(st.User.PatientPanel) != 1 {
		t.Fatalf("panel size = %d, want 1", len(st.User.PatientPanel))
	}
	st.User.PatientPanel[0].Name = "Mangled"
	if e.State().User.PatientPanel[0].Name == "Mangled" {
		t.Error("snapshot panel aliases live session state")
	}
}

func TestStaleEnrichmentIsDropped(t *testing.T) {
	gen := &fakeGenerator{assets: map[patient.AssetKind]*patient.Asset{
		patient.AssetConditionImage: {Kind: patient.AssetConditionImage, Data: "data:image/png;base64,xyz"},
	}}
	e := newTestEngine(gen, newFakeStore())
	active := testCase("active")
	e.mu.Lock()
	e.current = &active
	e.phase = PhaseDiagnosing
	e.mu.Unlock()

	// An enrichment result for a visit that is no longer active.
	stale := testCase("someone-else")
	e.enrich(stale)

	if st := e.State(); st.Patient.ConditionImageURL != "" {
		t.Error("stale enrichment merged into a different active case")
	}
}

func TestMatchingEnrichmentMerges(t *testing.T) {
	gen := &fakeGenerator{assets: map[patient.AssetKind]*patient.Asset{
		patient.AssetConditionImage: {Kind: patient.AssetConditionImage, Data: "data:image/png;base64,xyz"},
		patient.AssetAudio:          {Kind: patient.AssetAudio, Data: "cGNt", Audio: patient.AudioHeart},
	}}
	e := newTestEngine(gen, newFakeStore())
	if err := e.RequestNewCase(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st := e.State()
		if st.Patient.ConditionImageURL != "" && st.Patient.AudioData != "" {
			if st.Patient.AudioType != patient.AudioHeart {
				t.Errorf("AudioType = %q, want %q", st.Patient.AudioType, patient.AudioHeart)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("enrichment never merged into the active case")
}

func TestStartResumesMidCase(t *testing.T) {
	store := newFakeStore()
	st := patient.DefaultUserState()
	active := testCase("resumed")
	st.ActivePatient = &active
	store.profiles[""] = st

	e := newTestEngine(&fakeGenerator{}, store)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := e.State()
	if got.Phase != PhaseDiagnosing {
		t.Errorf("phase = %s, want %s", got.Phase, PhaseDiagnosing)
	}
	if got.Patient == nil || got.Patient.VisitID != active.VisitID {
		t.Error("mid-case visit not resumed")
	}
}

func TestSignInSwitchesProfile(t *testing.T) {
	store := newFakeStore()
	cloud := patient.DefaultUserState()
	cloud.Level = 9
	cloud.ClinicName = "Cloud Clinic"
	store.profiles["user-1"] = cloud

	e := newTestEngine(&fakeGenerator{}, store)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.SignIn(context.Background(), "user-1"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	st := e.State()
	if !st.SignedIn || st.User.Level != 9 {
		t.Errorf("signed-in state = %+v", st.User)
	}
	if st.LevelTitle != patient.LevelTitle(9) {
		t.Errorf("level title = %q", st.LevelTitle)
	}

	if err := e.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if st := e.State(); st.SignedIn {
		t.Error("still signed in after sign-out")
	}
}

func TestSignInRequiresIdentity(t *testing.T) {
	e := newTestEngine(&fakeGenerator{}, newFakeStore())
	if err := e.SignIn(context.Background(), "  "); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("SignIn() error = %v, want ErrNoIdentity", err)
	}
}

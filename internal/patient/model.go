package patient

import (
	"time"
)

// VisitReason explains why a patient is (back) in the clinic.
type VisitReason string

const (
	ReasonNewPatient VisitReason = "New Patient"
	ReasonFollowUp   VisitReason = "Follow-up"
	ReasonRecurrence VisitReason = "Recurrence"
	ReasonNewIssue   VisitReason = "New Issue"
)

// AudioKind identifies the auscultation site of a generated sound clip.
type AudioKind string

const (
	AudioHeart   AudioKind = "Heart"
	AudioLungs   AudioKind = "Lungs"
	AudioAbdomen AudioKind = "Abdomen"
)

type MedicalTerm struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

// HistoryItem records one prior resolved visit. The list is append-only.
type HistoryItem struct {
	Timestamp time.Time `json:"timestamp"`
	Ailment   string    `json:"ailment"`
	Treatment string    `json:"treatment"`
}

// Patient is one unit of diagnostic work. ID is stable across repeated
// visits of the same individual; VisitID is unique per visit.
type Patient struct {
	ID      string `json:"id"`
	VisitID string `json:"visit_id"`

	Name       string `json:"name"`
	Age        int    `json:"age"`
	Gender     string `json:"gender"`
	Occupation string `json:"occupation"`

	Description string   `json:"description"`
	Ailment     string   `json:"ailment"`
	Symptoms    []string `json:"symptoms"`

	DiagnosisOptions      []string `json:"diagnosis_options"`
	CorrectDiagnosisIndex int      `json:"correct_diagnosis_index"`
	TreatmentOptions      []string `json:"treatment_options"`
	CorrectTreatmentIndex int      `json:"correct_treatment_index"`
	TreatmentDescription  string   `json:"treatment_description"`

	Glossary []MedicalTerm `json:"glossary,omitempty"`

	// Best-effort enrichment, populated asynchronously after creation.
	ImageURL          string    `json:"image_url,omitempty"`
	ConditionImageURL string    `json:"condition_image_url,omitempty"`
	AudioData         string    `json:"audio_data,omitempty"`
	AudioType         AudioKind `json:"audio_type,omitempty"`
	RequiresAudio     bool      `json:"requires_audio,omitempty"`

	IsTreated bool      `json:"is_treated"`
	Timestamp time.Time `json:"timestamp"`
	Reward    int       `json:"reward"`

	VisitCount  int           `json:"visit_count"`
	VisitReason VisitReason   `json:"visit_reason,omitempty"`
	PastHistory []HistoryItem `json:"past_history,omitempty"`
}

// Valid reports whether the option sets and their answer indices are
// internally consistent.
func (p Patient) Valid() bool {
	if p.CorrectDiagnosisIndex < 0 || p.CorrectDiagnosisIndex >= len(p.DiagnosisOptions) {
		return false
	}
	if p.CorrectTreatmentIndex < 0 || p.CorrectTreatmentIndex >= len(p.TreatmentOptions) {
		return false
	}
	return p.VisitCount >= 1
}

type Upgrades struct {
	ComfortLevel int `json:"comfort_level"`
	SpeedLevel   int `json:"speed_level"`
	CharmLevel   int `json:"charm_level"`
}

// UserState is the long-lived profile. Every persistence write carries the
// full snapshot; it is never partially written.
type UserState struct {
	ClinicName      string    `json:"clinic_name"`
	Level           int       `json:"level"`
	Experience      int       `json:"experience"`
	Currency        int       `json:"currency"`
	PatientsTreated int       `json:"patients_treated"`
	ActivePatient   *Patient  `json:"active_patient,omitempty"`
	PatientPanel    []Patient `json:"patient_panel"`
	Upgrades        Upgrades  `json:"upgrades"`
}

// XPToLevelUp is the experience threshold for a level-up rollover.
const XPToLevelUp = 100

func DefaultUserState() UserState {
	return UserState{
		ClinicName:      "My Cozy Clinic",
		Level:           1,
		Experience:      0,
		Currency:        50,
		PatientsTreated: 0,
		PatientPanel:    []Patient{},
		Upgrades: Upgrades{
			ComfortLevel: 1,
			SpeedLevel:   1,
			CharmLevel:   1,
		},
	}
}

// UpsertPanel inserts p into the roster, replacing any entry with the same
// stable ID. A new slice is returned; the input is never mutated.
func UpsertPanel(panel []Patient, p Patient) []Patient {
	out := make([]Patient, len(panel))
	copy(out, panel)
	for i := range out {
		if out[i].ID == p.ID {
			out[i] = p
			return out
		}
	}
	return append(out, p)
}

// LevelTitle maps a clinic level to its career title.
func LevelTitle(level int) string {
	switch {
	case level <= 2:
		return "Pre-Med"
	case level <= 4:
		return "MS-1"
	case level <= 6:
		return "MS-2"
	case level <= 8:
		return "MS-3"
	case level <= 10:
		return "MS-4"
	case level <= 13:
		return "Intern"
	case level <= 17:
		return "Resident"
	case level <= 21:
		return "Fellow"
	case level <= 26:
		return "Attending"
	case level <= 32:
		return "Asst Prof"
	case level <= 38:
		return "Assoc Prof"
	case level <= 45:
		return "Professor"
	case level <= 52:
		return "Dept Chair"
	case level <= 60:
		return "Dean"
	default:
		return "Med Director"
	}
}

package patient

import "testing"

func TestValid(t *testing.T) {
	base := Patient{
		DiagnosisOptions:      []string{"A", "B", "C"},
		CorrectDiagnosisIndex: 1,
		TreatmentOptions:      []string{"X", "Y"},
		CorrectTreatmentIndex: 0,
		VisitCount:            1,
	}
	if !base.Valid() {
		t.Error("well-formed patient reported invalid")
	}

	tests := []struct {
		name   string
		mutate func(*Patient)
	}{
		{"diagnosis index out of range", func(p *Patient) { p.CorrectDiagnosisIndex = 3 }},
		{"negative diagnosis index", func(p *Patient) { p.CorrectDiagnosisIndex = -1 }},
		{"treatment index out of range", func(p *Patient) { p.CorrectTreatmentIndex = 2 }},
		{"no treatment options", func(p *Patient) { p.TreatmentOptions = nil }},
		{"zero visit count", func(p *Patient) { p.VisitCount = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			if p.Valid() {
				t.Error("malformed patient reported valid")
			}
		})
	}
}

func TestUpsertPanel(t *testing.T) {
	panel := []Patient{
		{ID: "a", VisitCount: 1},
		{ID: "b", VisitCount: 1},
	}

	replaced := UpsertPanel(panel, Patient{ID: "a", VisitCount: 2})
	if len(replaced) != 2 {
		t.Fatalf("replace grew the panel to %d", len(replaced))
	}
	if replaced[0].VisitCount != 2 {
		t.Error("matching entry was not replaced")
	}
	if panel[0].VisitCount != 1 {
		t.Error("input panel was mutated")
	}

	appended := UpsertPanel(panel, Patient{ID: "c"})
	if len(appended) != 3 || appended[2].ID != "c" {
		t.Errorf("new entry not appended: %+v", appended)
	}
	if len(panel) != 2 {
		t.Error("input panel length changed")
	}
}

func TestLevelTitleLadder(t *testing.T) {
	tests := []struct {
		level int
		want  string
	}{
		{1, "Pre-Med"},
		{2, "Pre-Med"},
		{3, "MS-1"},
		{10, "MS-4"},
		{11, "Intern"},
		{17, "Resident"},
		{26, "Attending"},
		{60, "Dean"},
		{61, "Med Director"},
	}
	for _, tc := range tests {
		if got := LevelTitle(tc.level); got != tc.want {
			t.Errorf("LevelTitle(%d) = %q, want %q", tc.level, got, tc.want)
		}
	}
}

func TestDefaultUserState(t *testing.T) {
	st := DefaultUserState()
	if st.Level != 1 || st.Currency != 50 || st.Experience != 0 {
		t.Errorf("unexpected defaults: %+v", st)
	}
	if st.PatientPanel == nil {
		t.Error("panel should start as an empty slice, not nil")
	}
	if st.Upgrades.ComfortLevel != 1 {
		t.Errorf("upgrades not seeded: %+v", st.Upgrades)
	}
}

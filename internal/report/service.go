// Package report renders the treated-case record into a PDF summary.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/signintech/gopdf"

	"clinic-sim-engine/internal/patient"
)

type Service struct {
	fontPaths []string
}

func NewService() *Service {
	return &Service{
		// Common DejaVuSans locations, Alpine first.
		fontPaths: []string{
			"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
		},
	}
}

// Render produces a PDF listing the clinic profile and each treated case,
// newest first.
func (s *Service) Render(user patient.UserState, records []patient.Patient) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	var fontErr error
	fontLoaded := false
	for _, path := range s.fontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			fontLoaded = true
			break
		} else {
			fontErr = err
		}
	}
	if !fontLoaded {
		return nil, errors.Wrap(fontErr, "load report font")
	}

	if err := pdf.SetFont("DejaVu", "", 20); err != nil {
		return nil, err
	}
	pdf.Cell(nil, fmt.Sprintf("%s - Health Records", user.ClinicName))
	pdf.Br(30)

	if err := pdf.SetFont("DejaVu", "", 12); err != nil {
		return nil, err
	}
	pdf.Cell(nil, fmt.Sprintf("Generated: %s", time.Now().Format("02.01.2006 15:04")))
	pdf.Br(15)
	pdf.Cell(nil, fmt.Sprintf("Level %d (%s) - %d patients treated",
		user.Level, patient.LevelTitle(user.Level), user.PatientsTreated))
	pdf.Br(25)

	if len(records) == 0 {
		if err := pdf.SetFont("DejaVu", "", 11); err != nil {
			return nil, err
		}
		pdf.Cell(nil, "No treated cases yet.")
	}

	for _, rec := range records {
		if pdf.GetY() > 760 {
			pdf.AddPage()
		}

		if err := pdf.SetFont("DejaVu", "", 14); err != nil {
			return nil, err
		}
		pdf.Cell(nil, fmt.Sprintf("%s - %s", rec.Name, rec.Ailment))
		pdf.Br(15)

		if err := pdf.SetFont("DejaVu", "", 11); err != nil {
			return nil, err
		}
		treatment := ""
		if rec.CorrectTreatmentIndex >= 0 && rec.CorrectTreatmentIndex < len(rec.TreatmentOptions) {
			treatment = rec.TreatmentOptions[rec.CorrectTreatmentIndex]
		}
		line := fmt.Sprintf("Visit %d (%s), %s. Treatment: %s",
			rec.VisitCount, rec.VisitReason,
			rec.Timestamp.Format("02.01.2006"), treatment)
		lines, _ := pdf.SplitText(line, 500)
		for _, l := range lines {
			pdf.Cell(nil, l)
			pdf.Br(12)
		}
		pdf.Br(8)
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "write report pdf")
	}
	return buf.Bytes(), nil
}

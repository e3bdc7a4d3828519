package generator

import (
	"fmt"
	"math/rand"

	"clinic-sim-engine/internal/patient"
)

const freshCasePrompt = `Generate a clinical case for a "cozy" medical simulation game.

Tone Guidelines:
- Medical Accuracy: Use real, accurate medical terms.
- Language: Simple, lay-friendly.
- Vibe: Friendly, positive, "kawaii".

Required Output Fields (JSON):
- name: A pleasant name.
- age: Integer (18-90).
- gender: "Male", "Female", or "Non-binary".
- occupation: A normal or slightly quirky job.
- description: The patient's complaint (HPI) spoken in first-person perspective. Keep it short (10-20 words). Do not add quotation marks.
- ailment: The accurate medical diagnosis.
- symptoms: 5-7 findings including vital signs, key physical findings and pertinent negatives.
- diagnosisOptions: 3 plausible differential diagnoses.
- correctDiagnosisIndex: Index (0-2).
- treatmentOptions: 3 treatment choices.
- correctTreatmentIndex: Index (0-2).
- treatmentDescription: A very concise (30-40 words) explanation of the diagnosis and treatment. Use simple metaphors. End cheerfully.
- glossary: A list of 2-4 complex medical terms used in the fields above, with simple lay-friendly definitions (term, definition).

Respond with a single JSON object only.`

func continuationPrompt(existing patient.Patient) string {
	return fmt.Sprintf(`Generate a follow-up clinical case for an existing "cozy" game character.

Existing Patient Profile:
- Name: %s
- Age: %d
- Gender: %s
- Occupation: %s
- Previous Ailment: %s

Scenario Logic (Choose one randomly):
1. Follow-up: The previous issue is healing but needs a check, or a minor complication arose.
2. Recurrence: The issue came back.
3. New Issue: A completely unrelated ailment.

Required Output Fields (JSON):
- description: The patient's NEW complaint in first-person (10-20 words). Mention it is a return visit if applicable.
- ailment: The NEW or RECURRING medical diagnosis.
- visitReason: One of "Follow-up", "Recurrence", or "New Issue".
- symptoms: 5-7 findings (vitals + findings).
- diagnosisOptions: 3 plausible differentials.
- correctDiagnosisIndex: Index (0-2).
- treatmentOptions: 3 treatment choices.
- correctTreatmentIndex: Index (0-2).
- treatmentDescription: Concise (30-40 words) success message.
- glossary: A list of 2-4 complex medical terms used in the fields above, with simple lay-friendly definitions (term, definition).

Respond with a single JSON object only.`,
		existing.Name, existing.Age, existing.Gender, existing.Occupation, existing.Ailment)
}

var avatarVariations = []string{
	"wearing a small medical badge",
	"with a warm smile",
	"with kind eyes",
	"wearing cute glasses",
	"with tidy hair",
}

func avatarPrompt(p patient.Patient) string {
	detail := avatarVariations[rand.Intn(len(avatarVariations))]
	return fmt.Sprintf("Close-up headshot portrait, face only. Kawaii 3D chibi style. "+
		"A %d year old %s person, occupation: %s. %s. "+
		"Style: soft clay-like textures, pastel color palette, friendly expression. "+
		"Centered face, high quality, plain white background.",
		p.Age, p.Gender, p.Occupation, detail)
}

func conditionImagePrompt(p patient.Patient) string {
	return fmt.Sprintf("Kawaii style medical illustration of %s. %s. "+
		"White background, isometric view, simple kawaii clinical setting, "+
		"pastel colors, soft lighting, 3d render style cute. No text.",
		p.Ailment, p.Description)
}

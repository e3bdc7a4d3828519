package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinic-sim-engine/internal/patient"
	"clinic-sim-engine/internal/platform/logger"
)

const (
	apiBase    = "https://generativelanguage.googleapis.com/v1beta/models"
	caseModel  = "gemini-3-flash-preview"
	imageModel = "gemini-2.5-flash-image"
	ttsModel   = "gemini-2.5-flash-preview-tts"
)

// ErrNoAPIKey is returned when the client is constructed without a key.
// It is fatal: the retry wrapper never retries it.
var ErrNoAPIKey = errors.New("generation api key not configured")

// Client calls the Gemini REST API to generate clinical cases and their
// secondary assets. All methods retry retryable failures internally.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(apiKey string, log *logger.Logger) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: apiBase,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: log,
	}
}

type genRequest struct {
	Contents         []genContent   `json:"contents"`
	GenerationConfig *genConfig     `json:"generationConfig,omitempty"`
}

type genContent struct {
	Parts []genPart `json:"parts"`
}

type genPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data"`
}

type genConfig struct {
	ResponseMimeType   string        `json:"responseMimeType,omitempty"`
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type genCandidate struct {
	Content genContent `json:"content"`
}

type genResponse struct {
	Candidates []genCandidate `json:"candidates"`
}

func (c *Client) generateContent(ctx context.Context, model string, reqBody genRequest) (*genResponse, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	var result genResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode generation response: %w", err)
	}
	return &result, nil
}

// casePayload mirrors the JSON document the model is instructed to produce.
type casePayload struct {
	Name                  string                `json:"name"`
	Age                   int                   `json:"age"`
	Gender                string                `json:"gender"`
	Occupation            string                `json:"occupation"`
	Description           string                `json:"description"`
	Ailment               string                `json:"ailment"`
	VisitReason           string                `json:"visitReason"`
	Symptoms              []string              `json:"symptoms"`
	DiagnosisOptions      []string              `json:"diagnosisOptions"`
	CorrectDiagnosisIndex int                   `json:"correctDiagnosisIndex"`
	TreatmentOptions      []string              `json:"treatmentOptions"`
	CorrectTreatmentIndex int                   `json:"correctTreatmentIndex"`
	TreatmentDescription  string                `json:"treatmentDescription"`
	Glossary              []patient.MedicalTerm `json:"glossary"`
}

var audioConditionRe = regexp.MustCompile(`(?i)murmur|stenosis|regurgitation|arrhythmia|fibrillation|tachycardia|gallop|heart failure|wheeze|asthma|copd|stridor|bronchospasm|obstructive|crackle|rales|pneumonia|edema|fibrosis|fluid in lung|bronchitis|gastroenteritis|obstruction|borborygmi|hyperactive`)

// GeneratePatient produces one clinical case. With existing set it produces a
// continuation visit for that individual: identity and demographics are
// preserved, only the complaint, option sets and visit metadata are new.
func (c *Client) GeneratePatient(ctx context.Context, existing *patient.Patient) (patient.Patient, error) {
	return withRetry(c.log, func() (patient.Patient, error) {
		prompt := freshCasePrompt
		if existing != nil {
			prompt = continuationPrompt(*existing)
		}

		resp, err := c.generateContent(ctx, caseModel, genRequest{
			Contents: []genContent{{Parts: []genPart{{Text: prompt}}}},
			GenerationConfig: &genConfig{
				ResponseMimeType: "application/json",
			},
		})
		if err != nil {
			return patient.Patient{}, err
		}

		text := firstText(resp)
		if text == "" {
			return patient.Patient{}, errors.New("no text returned from model")
		}

		var data casePayload
		if err := json.Unmarshal([]byte(text), &data); err != nil {
			return patient.Patient{}, fmt.Errorf("malformed case payload: %w", err)
		}

		p := assemblePatient(data, existing)
		if !p.Valid() {
			return patient.Patient{}, fmt.Errorf("inconsistent case payload: diagnosis index %d/%d, treatment index %d/%d",
				data.CorrectDiagnosisIndex, len(data.DiagnosisOptions),
				data.CorrectTreatmentIndex, len(data.TreatmentOptions))
		}
		return p, nil
	})
}

func assemblePatient(data casePayload, existing *patient.Patient) patient.Patient {
	conditionStr := data.Ailment + " " + strings.Join(data.Symptoms, " ")

	p := patient.Patient{
		ID:                    uuid.NewString(),
		VisitID:               uuid.NewString(),
		Name:                  data.Name,
		Age:                   data.Age,
		Gender:                data.Gender,
		Occupation:            data.Occupation,
		Description:           data.Description,
		Ailment:               data.Ailment,
		Symptoms:              data.Symptoms,
		DiagnosisOptions:      data.DiagnosisOptions,
		CorrectDiagnosisIndex: data.CorrectDiagnosisIndex,
		TreatmentOptions:      data.TreatmentOptions,
		CorrectTreatmentIndex: data.CorrectTreatmentIndex,
		TreatmentDescription:  data.TreatmentDescription,
		Glossary:              data.Glossary,
		RequiresAudio:         audioConditionRe.MatchString(conditionStr),
		Timestamp:             time.Now(),
		Reward:                100 + rand.Intn(50),
		VisitCount:            1,
		VisitReason:           patient.ReasonNewPatient,
	}
	p.ImageURL = fmt.Sprintf("https://api.dicebear.com/9.x/glass/svg?seed=%s&backgroundColor=c084fc",
		strings.ReplaceAll(p.Name, " ", ""))

	if existing != nil {
		p.ID = existing.ID
		p.Name = existing.Name
		p.Age = existing.Age
		p.Gender = existing.Gender
		p.Occupation = existing.Occupation
		if existing.ImageURL != "" {
			p.ImageURL = existing.ImageURL
		}
		p.VisitCount = existing.VisitCount + 1
		p.VisitReason = patient.VisitReason(data.VisitReason)
		if p.VisitReason == "" {
			p.VisitReason = patient.ReasonFollowUp
		}
		p.PastHistory = existing.PastHistory
	}
	return p
}

// GenerateSecondaryAsset produces one best-effort enrichment asset. A nil
// asset with a nil error means the asset is absent for this case.
func (c *Client) GenerateSecondaryAsset(ctx context.Context, kind patient.AssetKind, p patient.Patient) (*patient.Asset, error) {
	switch kind {
	case patient.AssetAvatar:
		return c.generateImage(ctx, kind, avatarPrompt(p))
	case patient.AssetConditionImage:
		return c.generateImage(ctx, kind, conditionImagePrompt(p))
	case patient.AssetAudio:
		return c.generateAuscultationAudio(ctx, p)
	default:
		return nil, fmt.Errorf("unknown asset kind %q", kind)
	}
}

func (c *Client) generateImage(ctx context.Context, kind patient.AssetKind, prompt string) (*patient.Asset, error) {
	return withRetry(c.log, func() (*patient.Asset, error) {
		resp, err := c.generateContent(ctx, imageModel, genRequest{
			Contents: []genContent{{Parts: []genPart{{Text: prompt}}}},
		})
		if err != nil {
			return nil, err
		}
		for _, cand := range resp.Candidates {
			for _, part := range cand.Content.Parts {
				if part.InlineData != nil {
					return &patient.Asset{
						Kind: kind,
						Data: "data:image/png;base64," + part.InlineData.Data,
					}, nil
				}
			}
		}
		return nil, nil
	})
}

func (c *Client) generateAuscultationAudio(ctx context.Context, p patient.Patient) (*patient.Asset, error) {
	soundPrompt, kind := auscultationSound(p)
	if soundPrompt == "" {
		return nil, nil
	}

	return withRetry(c.log, func() (*patient.Asset, error) {
		cfg := &genConfig{ResponseModalities: []string{"AUDIO"}}
		cfg.SpeechConfig = &speechConfig{}
		cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = "Kore"

		prompt := fmt.Sprintf(
			"You are simulating a stethoscope sound for a medical case of %s. "+
				"Repeat this sound effect slowly and rhythmically 4 times: %q. "+
				"Do not say any introductory words. Just make the sound.",
			p.Ailment, soundPrompt)

		resp, err := c.generateContent(ctx, ttsModel, genRequest{
			Contents:         []genContent{{Parts: []genPart{{Text: prompt}}}},
			GenerationConfig: cfg,
		})
		if err != nil {
			// The TTS model is not available in every region; treat that as
			// an absent asset rather than a case failure.
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
				c.log.Warn("tts model unavailable, skipping audio", "error", err)
				return nil, nil
			}
			return nil, err
		}

		for _, cand := range resp.Candidates {
			for _, part := range cand.Content.Parts {
				if part.InlineData != nil {
					return &patient.Asset{
						Kind:  patient.AssetAudio,
						Data:  part.InlineData.Data,
						Audio: kind,
					}, nil
				}
			}
		}
		return nil, nil
	})
}

var (
	heartRe   = regexp.MustCompile(`(?i)murmur|stenosis|regurgitation|arrhythmia|fibrillation|tachycardia|gallop|heart failure`)
	wheezeRe  = regexp.MustCompile(`(?i)wheeze|asthma|copd|stridor|bronchospasm|obstructive`)
	crackleRe = regexp.MustCompile(`(?i)crackle|rales|pneumonia|edema|fibrosis|fluid in lung|bronchitis`)
	abdomenRe = regexp.MustCompile(`(?i)gastroenteritis|obstruction|borborygmi|hyperactive|bowel sound`)
)

func auscultationSound(p patient.Patient) (string, patient.AudioKind) {
	condition := p.Ailment + " " + strings.Join(p.Symptoms, " ")
	switch {
	case heartRe.MatchString(condition):
		return "Whoosh-dub, whoosh-dub, whoosh-dub", patient.AudioHeart
	case wheezeRe.MatchString(condition):
		return "Hhhhheeeeeee, hhhhheeeeeee", patient.AudioLungs
	case crackleRe.MatchString(condition):
		return "Crackle-pop, crackle-pop, crackle-pop", patient.AudioLungs
	case abdomenRe.MatchString(condition):
		return "Gurgle, gurgle, bloop", patient.AudioAbdomen
	default:
		return "", ""
	}
}

func firstText(resp *genResponse) string {
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				return part.Text
			}
		}
	}
	return ""
}

package session

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"clinic-sim-engine/internal/patient"
)

// Reporter renders the full record view as a downloadable document.
type Reporter interface {
	Render(user patient.UserState, records []patient.Patient) ([]byte, error)
}

type Handler struct {
	engine *Engine
	report Reporter
}

func NewHandler(engine *Engine, report Reporter) *Handler {
	return &Handler{engine: engine, report: report}
}

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.State())
}

func (h *Handler) RequestNewCase(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RequestNewCase(r.Context()); err != nil && errors.Is(err, ErrBusy) {
		http.Error(w, "a case request is already in flight", http.StatusConflict)
		return
	}
	// Generation failures surface through the session state, not the HTTP
	// status: the client reads the Errored phase and its message.
	writeJSON(w, h.engine.State())
}

type submitAnswerRequest struct {
	Phase       Phase `json:"phase"`
	OptionIndex int   `json:"option_index"`
}

type submitAnswerResponse struct {
	Correct bool  `json:"correct"`
	State   State `json:"state"`
}

func (h *Handler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req submitAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	correct, err := h.engine.SubmitAnswer(r.Context(), req.Phase, req.OptionIndex)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoActive), errors.Is(err, ErrWrongPhase):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, ErrBadOption):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "Answer evaluation failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, submitAnswerResponse{Correct: correct, State: h.engine.State()})
}

func (h *Handler) ForceAdvance(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ForceAdvance(r.Context()); err != nil && errors.Is(err, ErrBusy) {
		http.Error(w, "a case request is already in flight", http.StatusConflict)
		return
	}
	writeJSON(w, h.engine.State())
}

type signInRequest struct {
	Identity string `json:"identity"`
}

func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := h.engine.SignIn(r.Context(), req.Identity); err != nil {
		if errors.Is(err, ErrNoIdentity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Sign-in failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.engine.State())
}

func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.SignOut(r.Context()); err != nil {
		http.Error(w, "Sign-out failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.engine.State())
}

const (
	feedLimit       = 50
	fullRecordLimit = 200
)

func (h *Handler) GetRecords(w http.ResponseWriter, r *http.Request) {
	limit := feedLimit
	if r.URL.Query().Get("scope") == "all" {
		limit = fullRecordLimit
	}

	records, err := h.engine.History(r.Context(), limit)
	if err != nil {
		http.Error(w, "Failed to load records", http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func (h *Handler) GetRecordsReport(w http.ResponseWriter, r *http.Request) {
	records, err := h.engine.History(r.Context(), fullRecordLimit)
	if err != nil {
		http.Error(w, "Failed to load records", http.StatusInternalServerError)
		return
	}

	pdf, err := h.report.Render(h.engine.State().User, records)
	if err != nil {
		http.Error(w, "Report generation failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="clinic-records.pdf"`)
	w.Write(pdf)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/state", h.GetState)
	r.Post("/case/new", h.RequestNewCase)
	r.Post("/case/answer", h.SubmitAnswer)
	r.Post("/case/advance", h.ForceAdvance)
	r.Post("/auth/signin", h.SignIn)
	r.Post("/auth/signout", h.SignOut)
	r.Get("/records", h.GetRecords)
	r.Get("/records/report", h.GetRecordsReport)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

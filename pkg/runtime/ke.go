package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/bazaar/pkg/client"
)

// keAPI serves the knowledge-extraction surface. The deployment holds
// no report state: every operation passes through the internal client
// to the control plane, which owns the queue and the question set.
type keAPI struct {
	rt *Runtime
}

// passErr maps a control-plane error onto this response. Status errors
// keep their code so a 404 from the control plane stays a 404 here.
func passErr(w http.ResponseWriter, err error) {
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) {
		respondErr(w, statusErr.Code, statusErr.Message)
		return
	}
	respondErr(w, http.StatusInternalServerError, fmt.Sprintf("control plane call failed: %v", err))
}

func (h *keAPI) createReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Documents json.RawMessage `json:"documents"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Documents) == 0 {
		respondErr(w, http.StatusBadRequest, "documents are required")
		return
	}

	report, err := h.rt.cp.CreateReport(r.Context(), h.rt.dep.ModelID, req.Documents)
	if err != nil {
		passErr(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}

func (h *keAPI) getReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.rt.cp.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		passErr(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}

func (h *keAPI) deleteReport(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.cp.DeleteReport(r.Context(), chi.URLParam(r, "id")); err != nil {
		passErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *keAPI) listReports(w http.ResponseWriter, r *http.Request) {
	reports, err := h.rt.cp.ListReports(r.Context(), h.rt.dep.ModelID)
	if err != nil {
		passErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"reports": reports})
}

func (h *keAPI) listQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.rt.cp.ListQuestions(r.Context(), h.rt.dep.ModelID)
	if err != nil {
		passErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"questions": questions})
}

func (h *keAPI) createQuestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question     string `json:"question"`
		DefaultUsage string `json:"default_usage"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Question == "" {
		respondErr(w, http.StatusBadRequest, "question is required")
		return
	}

	question, err := h.rt.cp.CreateQuestion(r.Context(), h.rt.dep.ModelID, req.Question, req.DefaultUsage)
	if err != nil {
		passErr(w, err)
		return
	}
	respond(w, http.StatusOK, question)
}

func (h *keAPI) deleteQuestion(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.cp.DeleteQuestion(r.Context(), chi.URLParam(r, "id")); err != nil {
		passErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *keAPI) addKeywords(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keywords []string `json:"keywords"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Keywords) == 0 {
		respondErr(w, http.StatusBadRequest, "keywords are required")
		return
	}

	if err := h.rt.cp.AddKeywords(r.Context(), chi.URLParam(r, "id"), req.Keywords); err != nil {
		passErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

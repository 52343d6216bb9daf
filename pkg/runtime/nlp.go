package runtime

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/loomworks/bazaar/pkg/types"
)

// nlpAPI serves text and token classification deployments. Samples and
// labels users contribute at inference time live in the deployment-local
// store and feed the next synthetic-data run.
type nlpAPI struct {
	rt *Runtime
}

func (h *nlpAPI) predict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
		TopK int    `json:"top_k"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		respondErr(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	if h.rt.dep.ModelType == types.ModelTypeNLPToken {
		tags, err := h.rt.token.Predict(r.Context(), req.Text)
		if err != nil {
			respondErr(w, http.StatusInternalServerError, fmt.Sprintf("predict failed: %v", err))
			return
		}
		respond(w, http.StatusOK, map[string]any{"tags": tags})
		return
	}

	scores, err := h.rt.text.Predict(r.Context(), req.Text, req.TopK)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, fmt.Sprintf("predict failed: %v", err))
		return
	}
	respond(w, http.StatusOK, map[string]any{"scores": scores})
}

func (h *nlpAPI) insertSample(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text   string   `json:"text"`
		Labels []string `json:"labels"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" || len(req.Labels) == 0 {
		respondErr(w, http.StatusBadRequest, "text and labels are required")
		return
	}

	if err := h.rt.local.AddSample(req.Text, req.Labels); err != nil {
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *nlpAPI) recentSamples(w http.ResponseWriter, r *http.Request) {
	n := 20
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondErr(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}

	samples, err := h.rt.local.RecentSamples(n)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]any{"samples": samples})
}

func (h *nlpAPI) addLabels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Labels []string `json:"labels"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Labels) == 0 {
		respondErr(w, http.StatusBadRequest, "labels are required")
		return
	}

	if err := h.rt.local.AddLabels(req.Labels); err != nil {
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *nlpAPI) labels(w http.ResponseWriter, r *http.Request) {
	labels, err := h.rt.local.Labels()
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]any{"labels": labels})
}

func (h *nlpAPI) stats(w http.ResponseWriter, r *http.Request) {
	samples, labels, err := h.rt.local.Stats()
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]int{
		"sample_count": samples,
		"label_count":  labels,
	})
}

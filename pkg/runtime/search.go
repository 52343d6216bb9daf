package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomworks/bazaar/pkg/auth"
	"github.com/loomworks/bazaar/pkg/types"
)

// searchAPI serves enterprise-search deployments. The deployment owns
// no weights of its own: search fans out to the dependency NDB
// deployment and, when a guardrail dependency is configured, redacts
// PII from the query and every reference before anything leaves the
// process.
type searchAPI struct {
	rt       *Runtime
	http     *http.Client
	ndbURL   string
	guardURL string
}

func newSearchAPI(rt *Runtime) *searchAPI {
	h := &searchAPI{
		rt:   rt,
		http: &http.Client{Timeout: 60 * time.Second},
	}
	for _, dep := range rt.dep.Dependencies {
		switch dep.ModelType {
		case types.ModelTypeNDB:
			h.ndbURL = rt.depURL(dep)
		case types.ModelTypeNLPToken:
			h.guardURL = rt.depURL(dep)
		}
	}
	return h
}

type searchReference struct {
	ChunkID int     `json:"chunk_id"`
	Text    string  `json:"text"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

func (h *searchAPI) search(w http.ResponseWriter, r *http.Request) {
	if h.ndbURL == "" {
		respondErr(w, http.StatusInternalServerError, "no retriever dependency configured")
		return
	}
	var req struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Query == "" {
		respondErr(w, http.StatusBadRequest, "query is required")
		return
	}

	var result struct {
		QueryText  string            `json:"query_text"`
		References []searchReference `json:"references"`
	}
	err := h.callDependency(r, h.ndbURL+"/search", map[string]any{
		"query": req.Query,
		"top_k": req.TopK,
	}, &result)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, fmt.Sprintf("retriever call failed: %v", err))
		return
	}

	if h.guardURL == "" {
		respond(w, http.StatusOK, map[string]any{
			"query_text": result.QueryText,
			"references": result.References,
		})
		return
	}

	// One label map per query keeps labels stable across the query
	// and every reference.
	lm := NewLabelMap()
	redactedQuery, err := h.redact(r, lm, req.Query)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, fmt.Sprintf("guardrail call failed: %v", err))
		return
	}
	for i := range result.References {
		redacted, err := h.redact(r, lm, result.References[i].Text)
		if err != nil {
			respondErr(w, http.StatusInternalServerError, fmt.Sprintf("guardrail call failed: %v", err))
			return
		}
		result.References[i].Text = redacted
	}

	respond(w, http.StatusOK, map[string]any{
		"query_text": redactedQuery,
		"references": result.References,
		"entities":   lm.Entities(),
	})
}

func (h *searchAPI) unredact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text     string            `json:"text"`
		Entities map[string]string `json:"entities"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}

	respond(w, http.StatusOK, map[string]string{
		"text": Unredact(req.Text, req.Entities),
	})
}

// redact runs the guardrail's tagger over text and substitutes every
// detected span.
func (h *searchAPI) redact(r *http.Request, lm *LabelMap, text string) (string, error) {
	var result struct {
		Tags []TokenTag `json:"tags"`
	}
	err := h.callDependency(r, h.guardURL+"/predict", map[string]any{"text": text}, &result)
	if err != nil {
		return "", err
	}
	return lm.Redact(text, result.Tags), nil
}

// callDependency POSTs to another deployment, forwarding the caller's
// credential so the dependency's own guard applies.
func (h *searchAPI) callDependency(r *http.Request, url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if header := r.Header.Get("Authorization"); header != "" {
		req.Header.Set("Authorization", header)
	}
	if key := r.Header.Get(auth.HeaderAPIKey); key != "" {
		req.Header.Set(auth.HeaderAPIKey, key)
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("invalid response from %s: %w", url, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, env.Message)
	}
	if out == nil || env.Data == nil {
		return nil
	}

	// Re-marshal the data field into the caller's shape.
	data, err := json.Marshal(env.Data)
	if err != nil {
		return fmt.Errorf("failed to re-encode response data: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unexpected response shape from %s: %w", url, err)
	}
	return nil
}

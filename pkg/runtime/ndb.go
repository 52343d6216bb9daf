package runtime

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/updatelog"
)

// ndbAPI serves the retrieval surface. In autoscaled mode every
// mutation is appended to this allocation's update log and acknowledged
// with 202; the authoritative model only changes at the next retrain.
// In dev mode mutations hit the in-process engine under the model lock.
type ndbAPI struct {
	rt   *Runtime
	logw *updatelog.Writer
	pdf  *pdfCache
}

// Update-log payloads. Field names are part of the on-disk format.
type upvotePayload struct {
	Query   string `json:"query"`
	ChunkID int    `json:"chunk_id"`
}

type associatePayload struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type insertPayload struct {
	Source string   `json:"source"`
	Chunks []string `json:"chunks"`
}

type deletePayload struct {
	Source string `json:"source"`
}

func (h *ndbAPI) autoscaled() bool { return h.rt.dep.AutoscalingEnabled }

// appendLog writes one durable event and answers 202.
func (h *ndbAPI) appendLog(w http.ResponseWriter, kind updatelog.Kind, eventType updatelog.EventType, payload any) {
	if h.logw == nil {
		respondErr(w, http.StatusInternalServerError, "update log unavailable")
		return
	}
	if err := h.logw.Append(kind, eventType, payload); err != nil {
		h.rt.logger.Error().Err(err).Str("kind", string(kind)).Msg("update log append failed")
		respondErr(w, http.StatusInternalServerError, "failed to record event")
		return
	}
	respondMsg(w, http.StatusAccepted, "recorded", nil)
}

// checkDisk refuses ingest when free space is below the floor.
func (h *ndbAPI) checkDisk(r *http.Request) error {
	incoming := uint64(0)
	if r.ContentLength > 0 {
		incoming = uint64(r.ContentLength)
	}
	guard := h.rt.diskGuard()
	return guard.Check(incoming)
}

func (h *ndbAPI) search(w http.ResponseWriter, r *http.Request) {
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
	if req.TopK <= 0 {
		req.TopK = 5
	}

	results, err := h.rt.ndb.Search(r.Context(), req.Query, req.TopK)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, fmt.Sprintf("search failed: %v", err))
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"query_text": req.Query,
		"references": results,
	})
}

func (h *ndbAPI) insert(w http.ResponseWriter, r *http.Request) {
	if err := h.checkDisk(r); err != nil {
		respondErr(w, http.StatusInsufficientStorage, err.Error())
		return
	}

	docs, err := readInsertDocuments(r)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(docs) == 0 {
		respondErr(w, http.StatusBadRequest, "at least one document is required")
		return
	}

	if h.autoscaled() {
		if h.logw == nil {
			respondErr(w, http.StatusInternalServerError, "update log unavailable")
			return
		}
		for _, doc := range docs {
			if err := h.logw.Append(updatelog.KindInsertions, updatelog.EventInsert, doc); err != nil {
				respondErr(w, http.StatusInternalServerError, "failed to record insertion")
				return
			}
		}
		respondMsg(w, http.StatusAccepted, "recorded", map[string]int{"documents": len(docs)})
		return
	}

	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	for _, doc := range docs {
		if err := h.rt.ndb.Insert(r.Context(), doc.Source, doc.Chunks); err != nil {
			respondErr(w, http.StatusInternalServerError, fmt.Sprintf("insert failed: %v", err))
			return
		}
	}
	respond(w, http.StatusOK, map[string]int{"documents": len(docs)})
}

func (h *ndbAPI) delete(w http.ResponseWriter, r *http.Request) {
	var req deletePayload
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Source == "" {
		respondErr(w, http.StatusBadRequest, "source is required")
		return
	}

	if h.autoscaled() {
		h.appendLog(w, updatelog.KindDeletions, updatelog.EventDelete, req)
		return
	}

	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	if err := h.rt.ndb.Delete(r.Context(), req.Source); err != nil {
		respondErr(w, http.StatusInternalServerError, fmt.Sprintf("delete failed: %v", err))
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *ndbAPI) upvote(w http.ResponseWriter, r *http.Request) {
	var req upvotePayload
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Query == "" {
		respondErr(w, http.StatusBadRequest, "query is required")
		return
	}

	if h.autoscaled() {
		h.appendLog(w, updatelog.KindFeedback, updatelog.EventUpvote, req)
		return
	}

	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	if err := h.rt.ndb.Upvote(r.Context(), req.Query, req.ChunkID, updatelog.Weight(updatelog.EventUpvote)); err != nil {
		respondErr(w, http.StatusInternalServerError, fmt.Sprintf("upvote failed: %v", err))
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *ndbAPI) associate(w http.ResponseWriter, r *http.Request) {
	var req associatePayload
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Source == "" || req.Target == "" {
		respondErr(w, http.StatusBadRequest, "source and target are required")
		return
	}

	if h.autoscaled() {
		h.appendLog(w, updatelog.KindFeedback, updatelog.EventAssociate, req)
		return
	}

	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	if err := h.rt.ndb.Associate(r.Context(), req.Source, req.Target, updatelog.Weight(updatelog.EventAssociate)); err != nil {
		respondErr(w, http.StatusInternalServerError, fmt.Sprintf("associate failed: %v", err))
		return
	}
	respond(w, http.StatusOK, nil)
}

// implicitFeedback records a reference click. Read permission is
// enough: it is a side effect of viewing results.
func (h *ndbAPI) implicitFeedback(w http.ResponseWriter, r *http.Request) {
	var req upvotePayload
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.autoscaled() {
		h.appendLog(w, updatelog.KindFeedback, updatelog.EventImplicitUpvote, req)
		return
	}

	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	if err := h.rt.ndb.Upvote(r.Context(), req.Query, req.ChunkID, updatelog.Weight(updatelog.EventImplicitUpvote)); err != nil {
		respondErr(w, http.StatusInternalServerError, fmt.Sprintf("upvote failed: %v", err))
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *ndbAPI) sources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.rt.ndb.Sources(r.Context())
	if err != nil {
		respondErr(w, http.StatusInternalServerError, fmt.Sprintf("sources failed: %v", err))
		return
	}
	respond(w, http.StatusOK, map[string]any{"sources": sources})
}

// save writes current weights back to the shared artifact tree. Only
// dev mode may save: autoscaled replicas never own the artifact.
func (h *ndbAPI) save(w http.ResponseWriter, r *http.Request) {
	if h.autoscaled() {
		respondErr(w, http.StatusBadRequest, "save is unavailable while autoscaling is enabled")
		return
	}
	if err := h.checkDisk(r); err != nil {
		respondErr(w, http.StatusInsufficientStorage, err.Error())
		return
	}

	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	dir := h.rt.layout.ArtifactDir(h.rt.dep.ModelID)
	if err := h.rt.ndb.Save(r.Context(), dir); err != nil {
		respondErr(w, http.StatusInternalServerError, fmt.Sprintf("save failed: %v", err))
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *ndbAPI) chat(w http.ResponseWriter, r *http.Request) {
	if h.rt.llm == nil {
		respondErr(w, http.StatusServiceUnavailable, "no chat backend configured")
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" || req.Message == "" {
		respondErr(w, http.StatusBadRequest, "session_id and message are required")
		return
	}

	references, err := h.rt.ndb.Search(r.Context(), req.Message, 5)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, fmt.Sprintf("search failed: %v", err))
		return
	}

	var context strings.Builder
	for _, ref := range references {
		context.WriteString(ref.Text)
		context.WriteString("\n")
	}
	prompt := fmt.Sprintf(
		"Answer the question using only the context below.\n\nContext:\n%s\nQuestion: %s",
		context.String(), req.Message,
	)

	answer, err := llms.GenerateFromSinglePrompt(r.Context(), h.rt.llm, prompt)
	if err != nil {
		metrics.LLMCallsTotal.WithLabelValues("error").Inc()
		respondErr(w, http.StatusInternalServerError, fmt.Sprintf("completion failed: %v", err))
		return
	}
	metrics.LLMCallsTotal.WithLabelValues("ok").Inc()

	if h.rt.local != nil {
		if err := h.rt.local.AppendChat(req.SessionID, "user", req.Message); err != nil {
			h.rt.logger.Warn().Err(err).Msg("failed to record chat turn")
		}
		if err := h.rt.local.AppendChat(req.SessionID, "assistant", answer); err != nil {
			h.rt.logger.Warn().Err(err).Msg("failed to record chat turn")
		}
	}

	respond(w, http.StatusOK, map[string]any{
		"answer":     answer,
		"references": references,
	})
}

func (h *ndbAPI) updateChatSettings(w http.ResponseWriter, r *http.Request) {
	if h.rt.local == nil {
		respondErr(w, http.StatusServiceUnavailable, "no chat backend configured")
		return
	}
	var req ChatSettings
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.rt.local.SaveChatSettings(req); err != nil {
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *ndbAPI) chatHistory(w http.ResponseWriter, r *http.Request) {
	if h.rt.local == nil {
		respondErr(w, http.StatusServiceUnavailable, "no chat backend configured")
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	history, err := h.rt.local.ChatHistory(req.SessionID)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]any{"messages": history})
}

// readInsertDocuments accepts either a JSON body {documents: [...]} or
// multipart form uploads where each file becomes one single-chunk
// document named after the file.
func readInsertDocuments(r *http.Request) ([]insertPayload, error) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/") {
		var req struct {
			Documents []insertPayload `json:"documents"`
		}
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		return req.Documents, nil
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		return nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	var docs []insertPayload
	for _, headers := range r.MultipartForm.File {
		for _, header := range headers {
			f, err := header.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open upload %s: %w", header.Filename, err)
			}
			chunks, err := chunkReader(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read upload %s: %w", header.Filename, err)
			}
			docs = append(docs, insertPayload{Source: header.Filename, Chunks: chunks})
		}
	}
	return docs, nil
}

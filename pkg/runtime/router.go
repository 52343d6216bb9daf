package runtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/types"
	"github.com/loomworks/bazaar/pkg/updatelog"
)

// envelope is the uniform response body for every runtime route.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respond(w http.ResponseWriter, code int, data any) {
	respondMsg(w, code, "", data)
}

func respondMsg(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	status := "success"
	if code >= 400 {
		status = "failed"
	}
	_ = json.NewEncoder(w).Encode(envelope{Status: status, Message: message, Data: data})
}

func respondErr(w http.ResponseWriter, code int, message string) {
	respondMsg(w, code, message, nil)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// Router builds the HTTP surface for this deployment's model type.
func (rt *Runtime) Router() (chi.Router, error) {
	r := chi.NewRouter()
	r.Use(rt.recoverPanics)
	r.Use(rt.touchIdle)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{
			"model_id":      rt.dep.ModelID,
			"deployment_id": rt.dep.DeploymentID,
		})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/docs", rt.handleDocs)

	audit, err := rt.auditMiddleware()
	if err != nil {
		return nil, err
	}

	r.Group(func(r chi.Router) {
		r.Use(audit)
		r.Use(instrument)

		switch rt.dep.ModelType {
		case types.ModelTypeNDB:
			rt.mountNDB(r)
		case types.ModelTypeNLPText, types.ModelTypeNLPToken:
			rt.mountNLP(r)
		case types.ModelTypeEnterpriseSearch:
			rt.mountSearch(r)
		case types.ModelTypeKnowledgeExtraction:
			rt.mountKE(r)
		}
	})

	return r, nil
}

// recoverPanics keeps a handler panic inside the envelope contract.
func (rt *Runtime) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				rt.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("Handler panic")
				respondErr(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// touchIdle resets the idle window on every request.
func (rt *Runtime) touchIdle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt.idle != nil {
			rt.idle.Touch()
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records inference counters and latency per route.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		metrics.InferenceDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		metrics.InferenceRequests.WithLabelValues(route, strconv.Itoa(ww.Status()/100*100)).Inc()
	})
}

func (rt *Runtime) mountNDB(r chi.Router) {
	h := &ndbAPI{rt: rt}
	if rt.dep.AutoscalingEnabled {
		// Replicas never mutate the in-process model; every write goes
		// to this allocation's update-log files.
		w, err := updatelog.NewWriter(rt.layout.DataDir(rt.dep.DeploymentID), rt.cfg.AllocID)
		if err != nil {
			rt.logger.Error().Err(err).Msg("failed to open update log, writes will fail")
		}
		h.logw = w
	}
	h.pdf = newPdfCache(rt.localDir)

	r.With(rt.guard.RequireRead).Post("/search", h.search)
	r.With(rt.guard.RequireWrite).Post("/insert", h.insert)
	r.With(rt.guard.RequireWrite).Post("/delete", h.delete)
	r.With(rt.guard.RequireWrite).Post("/upvote", h.upvote)
	r.With(rt.guard.RequireWrite).Post("/associate", h.associate)
	r.With(rt.guard.RequireRead).Post("/implicit-feedback", h.implicitFeedback)
	r.With(rt.guard.RequireRead).Get("/sources", h.sources)
	r.With(rt.guard.RequireWrite).Post("/save", h.save)
	r.With(rt.guard.RequireRead).Get("/pdf-blob", h.pdfBlob)
	r.With(rt.guard.RequireRead).Get("/pdf-chunks", h.pdfChunks)
	r.With(rt.guard.RequireRead).Get("/highlighted-pdf", h.highlightedPDF)
	r.With(rt.guard.RequireRead).Post("/chat", h.chat)
	r.With(rt.guard.RequireRead).Post("/update-chat-settings", h.updateChatSettings)
	r.With(rt.guard.RequireRead).Post("/get-chat-history", h.chatHistory)
}

func (rt *Runtime) mountNLP(r chi.Router) {
	h := &nlpAPI{rt: rt}

	r.With(rt.guard.RequireRead).Post("/predict", h.predict)
	r.With(rt.guard.RequireWrite).Post("/insert_sample", h.insertSample)
	r.With(rt.guard.RequireRead).Get("/get_recent_samples", h.recentSamples)
	r.With(rt.guard.RequireWrite).Post("/add_labels", h.addLabels)
	r.With(rt.guard.RequireRead).Get("/get_labels", h.labels)
	r.With(rt.guard.RequireRead).Get("/stats", h.stats)
}

func (rt *Runtime) mountSearch(r chi.Router) {
	h := newSearchAPI(rt)

	r.With(rt.guard.RequireRead).Post("/search", h.search)
	r.With(rt.guard.RequireRead).Post("/unredact", h.unredact)
}

func (rt *Runtime) mountKE(r chi.Router) {
	h := &keAPI{rt: rt}

	r.With(rt.guard.RequireWrite).Post("/report/create", h.createReport)
	r.With(rt.guard.RequireRead).Get("/report/{id}", h.getReport)
	r.With(rt.guard.RequireWrite).Delete("/report/{id}", h.deleteReport)
	r.With(rt.guard.RequireRead).Get("/reports", h.listReports)
	r.With(rt.guard.RequireRead).Get("/questions", h.listQuestions)
	r.With(rt.guard.RequireWrite).Post("/questions", h.createQuestion)
	r.With(rt.guard.RequireWrite).Delete("/questions/{id}", h.deleteQuestion)
	r.With(rt.guard.RequireWrite).Post("/questions/{id}/keywords", h.addKeywords)
}

// handleDocs lists the routes this deployment serves.
func (rt *Runtime) handleDocs(w http.ResponseWriter, _ *http.Request) {
	routes := map[types.ModelType][]string{
		types.ModelTypeNDB: {
			"POST /search", "POST /insert", "POST /delete", "POST /upvote",
			"POST /associate", "POST /implicit-feedback", "GET /sources",
			"POST /save", "GET /pdf-blob", "GET /pdf-chunks",
			"GET /highlighted-pdf", "POST /chat", "POST /update-chat-settings",
			"POST /get-chat-history",
		},
		types.ModelTypeNLPText: {
			"POST /predict", "POST /insert_sample", "GET /get_recent_samples",
			"POST /add_labels", "GET /get_labels", "GET /stats",
		},
		types.ModelTypeNLPToken: {
			"POST /predict", "POST /insert_sample", "GET /get_recent_samples",
			"POST /add_labels", "GET /get_labels", "GET /stats",
		},
		types.ModelTypeEnterpriseSearch: {
			"POST /search", "POST /unredact",
		},
		types.ModelTypeKnowledgeExtraction: {
			"POST /report/create", "GET /report/{id}", "DELETE /report/{id}",
			"GET /reports", "GET /questions", "POST /questions",
			"DELETE /questions/{id}", "POST /questions/{id}/keywords",
		},
	}
	respond(w, http.StatusOK, map[string]any{
		"model_type": rt.dep.ModelType,
		"routes":     append(routes[rt.dep.ModelType], "GET /health", "GET /metrics", "GET /docs"),
	})
}

// auditFile opens this allocation's audit stream under the model's log
// directory.
func (rt *Runtime) auditFile() (*os.File, error) {
	dir := rt.layout.LogsDir(rt.dep.ModelID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	path := filepath.Join(dir, "audit-"+rt.cfg.AllocID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return f, nil
}

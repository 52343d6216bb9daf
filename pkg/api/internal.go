package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loomworks/bazaar/pkg/reports"
	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
)

// handlePermissions resolves the forwarded caller credential into the
// permission tuple deployment runtimes cache. The task token
// authenticated the transport; the Bearer/X-API-Key headers carry the
// end user's credential.
func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	modelID, err := queryID(r, "model_id")
	if err != nil {
		s.fail(w, err)
		return
	}
	user, err := s.resolveUser(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	model, err := s.store.GetModel(r.Context(), modelID)
	if err != nil {
		s.fail(w, err)
		return
	}

	perms := types.Permissions{
		Username: user.Username,
		Exp:      time.Now().UTC().Add(s.cfg.PermissionTTL),
	}
	switch {
	case user.GlobalAdmin:
		perms.Read, perms.Write, perms.Override = true, true, true
	case model.OwnerID == user.ID:
		perms.Read, perms.Write = true, true
	default:
		perms.Read, err = s.canRead(r.Context(), user, model)
		if err != nil {
			s.fail(w, err)
			return
		}
	}
	respond(w, http.StatusOK, perms)
}

type internalTrainStatus struct {
	ModelID string `json:"model_id" validate:"required"`
	Status  string `json:"status" validate:"required,oneof=not_started in_progress complete failed"`
	Message string `json:"message"`
}

func (s *Server) handleInternalTrainStatus(w http.ResponseWriter, r *http.Request) {
	var req internalTrainStatus
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.manager.TrainCallback(r.Context(), req.ModelID, types.TrainStatus(req.Status), req.Message); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "status updated", nil)
}

type internalDeployStatus struct {
	DeploymentID string `json:"deployment_id" validate:"required"`
	Status       string `json:"status" validate:"required,oneof=not_started starting in_progress complete stopped failed"`
	Message      string `json:"message"`
}

func (s *Server) handleInternalDeployStatus(w http.ResponseWriter, r *http.Request) {
	var req internalDeployStatus
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.manager.DeployCallback(r.Context(), req.DeploymentID, types.DeployStatus(req.Status), req.Message); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "status updated", nil)
}

type deployStoppedRequest struct {
	DeploymentID string `json:"deployment_id" validate:"required"`
}

// handleInternalDeployStopped is the idle-shutdown callback: the
// runtime exits on its own and the control plane stops the cluster job
// so the scheduler does not restart it.
func (s *Server) handleInternalDeployStopped(w http.ResponseWriter, r *http.Request) {
	var req deployStoppedRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.manager.DeploymentStopped(r.Context(), req.DeploymentID); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "deployment stopped", nil)
}

func (s *Server) handleInternalActiveCount(w http.ResponseWriter, r *http.Request) {
	modelID, err := queryID(r, "model_id")
	if err != nil {
		s.fail(w, err)
		return
	}
	// exclude carries the caller's own deployment id during an idle
	// check, so a runtime asking "is anyone else serving this model"
	// does not count itself.
	count, err := s.manager.ActiveDeploymentCount(r.Context(), modelID, r.URL.Query().Get("exclude"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"count": count})
}

// handleReportClaim leases the next claimable report to a worker. 404
// means the queue is empty; workers treat that as "sleep and poll".
func (s *Server) handleReportClaim(w http.ResponseWriter, r *http.Request) {
	workerID := r.Header.Get("X-Worker-ID")
	if workerID == "" {
		workerID = r.RemoteAddr
	}

	report, err := s.store.ClaimNextReport(r.Context(), workerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.fail(w, NotFound("no claimable reports"))
			return
		}
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}

type reportCompleteRequest struct {
	ReportID string          `json:"report_id" validate:"required"`
	Attempt  int             `json:"attempt" validate:"min=1"`
	Status   string          `json:"status" validate:"required,oneof=complete failed"`
	Message  string          `json:"message"`
	Result   json.RawMessage `json:"result"`
}

func (s *Server) handleReportComplete(w http.ResponseWriter, r *http.Request) {
	var req reportCompleteRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	err := s.store.CompleteReport(r.Context(), req.ReportID, req.Attempt, types.ReportStatus(req.Status), req.Message, req.Result)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "report finished", nil)
}

type reportCreateRequest struct {
	ModelID   string             `json:"model_id" validate:"required"`
	Documents []reports.Document `json:"documents" validate:"required,min=1"`
}

func (s *Server) handleReportCreate(w http.ResponseWriter, r *http.Request) {
	var req reportCreateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	report, err := s.reports.Enqueue(r.Context(), req.ModelID, req.Documents)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}

func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	report, err := s.reports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}

func (s *Server) handleReportDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.reports.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "report deleted", nil)
}

func (s *Server) handleReportList(w http.ResponseWriter, r *http.Request) {
	modelID, err := queryID(r, "model_id")
	if err != nil {
		s.fail(w, err)
		return
	}
	list, err := s.reports.List(r.Context(), modelID)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, list)
}

func (s *Server) handleQuestionList(w http.ResponseWriter, r *http.Request) {
	modelID, err := queryID(r, "model_id")
	if err != nil {
		s.fail(w, err)
		return
	}
	questions, err := s.store.ListQuestions(r.Context(), modelID)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, questions)
}

type questionCreateRequest struct {
	ModelID      string `json:"model_id" validate:"required"`
	Text         string `json:"text" validate:"required"`
	DefaultUsage string `json:"default_usage"`
}

func (s *Server) handleQuestionCreate(w http.ResponseWriter, r *http.Request) {
	var req questionCreateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	question := &types.Question{
		ID:           uuid.New().String(),
		ModelID:      req.ModelID,
		Text:         req.Text,
		DefaultUsage: req.DefaultUsage,
	}
	if err := s.store.CreateQuestion(r.Context(), question); err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, question)
}

func (s *Server) handleQuestionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteQuestion(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "question deleted", nil)
}

type keywordsRequest struct {
	Keywords []string `json:"keywords" validate:"required,min=1"`
}

func (s *Server) handleQuestionKeywords(w http.ResponseWriter, r *http.Request) {
	var req keywordsRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.AddKeywords(r.Context(), chi.URLParam(r, "id"), req.Keywords); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "keywords added", nil)
}

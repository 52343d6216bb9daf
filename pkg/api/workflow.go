package api

import (
	"net/http"

	"github.com/loomworks/bazaar/pkg/manager"
	"github.com/loomworks/bazaar/pkg/types"
)

type workflowCreateRequest struct {
	Name string `json:"name" validate:"required"`
	Type string `json:"type" validate:"omitempty,oneof=enterprise-search knowledge-extraction"`
}

func (s *Server) handleWorkflowEnterpriseSearch(w http.ResponseWriter, r *http.Request) {
	s.createWorkflow(w, r, types.ModelTypeEnterpriseSearch)
}

func (s *Server) handleWorkflowKnowledgeExtraction(w http.ResponseWriter, r *http.Request) {
	s.createWorkflow(w, r, types.ModelTypeKnowledgeExtraction)
}

// handleWorkflowCreate is the generic form; the type comes from the body.
func (s *Server) handleWorkflowCreate(w http.ResponseWriter, r *http.Request) {
	var req workflowCreateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.Type == "" {
		s.fail(w, Validation("missing workflow type"))
		return
	}
	s.finishCreateWorkflow(w, r, req.Name, types.ModelType(req.Type))
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request, modelType types.ModelType) {
	var req workflowCreateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.finishCreateWorkflow(w, r, req.Name, modelType)
}

func (s *Server) finishCreateWorkflow(w http.ResponseWriter, r *http.Request, name string, modelType types.ModelType) {
	me := caller(r.Context())
	workflow, err := s.manager.CreateWorkflow(r.Context(), name, modelType, me.ID, me.Username)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"workflow_id": workflow.ID})
}

type workflowModelsRequest struct {
	WorkflowID string   `json:"workflow_id" validate:"required"`
	ModelIDs   []string `json:"model_ids" validate:"required,min=1"`
}

func (s *Server) handleWorkflowAddModels(w http.ResponseWriter, r *http.Request) {
	var req workflowModelsRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	_, me, err := s.modelForWrite(r.Context(), req.WorkflowID)
	if err != nil {
		s.fail(w, err)
		return
	}

	if err := s.manager.AddWorkflowModels(r.Context(), req.WorkflowID, req.ModelIDs, me.Username); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "models added", nil)
}

func (s *Server) handleWorkflowDeleteModels(w http.ResponseWriter, r *http.Request) {
	var req workflowModelsRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	_, me, err := s.modelForWrite(r.Context(), req.WorkflowID)
	if err != nil {
		s.fail(w, err)
		return
	}

	if err := s.manager.DeleteWorkflowModels(r.Context(), req.WorkflowID, req.ModelIDs, me.Username); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "models removed", nil)
}

type workflowStartRequest struct {
	WorkflowID         string `json:"workflow_id" validate:"required"`
	DeploymentName     string `json:"deployment_name"`
	AutoscalingEnabled bool   `json:"autoscaling_enabled"`
	AutoscalingMin     int    `json:"autoscaling_min" validate:"omitempty,min=1"`
	AutoscalingMax     int    `json:"autoscaling_max" validate:"omitempty,min=1"`
	MemoryMB           int    `json:"memory" validate:"omitempty,min=0"`
}

func (s *Server) handleWorkflowStart(w http.ResponseWriter, r *http.Request) {
	var req workflowStartRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	workflow, me, err := s.modelForWrite(r.Context(), req.WorkflowID)
	if err != nil {
		s.fail(w, err)
		return
	}

	name := req.DeploymentName
	if name == "" {
		name = workflow.Name
	}
	deployment, err := s.manager.StartWorkflow(r.Context(), req.WorkflowID, manager.DeployRequest{
		ModelID:            req.WorkflowID,
		Name:               name,
		UserID:             me.ID,
		Username:           me.Username,
		AutoscalingEnabled: req.AutoscalingEnabled,
		AutoscalingMin:     req.AutoscalingMin,
		AutoscalingMax:     req.AutoscalingMax,
		MemoryMB:           req.MemoryMB,
	}, me.Username)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{
		"deployment_id": deployment.ID,
		"status":        string(deployment.Status),
	})
}

type workflowIDRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
}

func (s *Server) handleWorkflowStop(w http.ResponseWriter, r *http.Request) {
	var req workflowIDRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	_, me, err := s.modelForWrite(r.Context(), req.WorkflowID)
	if err != nil {
		s.fail(w, err)
		return
	}

	if err := s.manager.StopWorkflow(r.Context(), req.WorkflowID, me.Username); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "workflow stopped", nil)
}

func (s *Server) handleWorkflowValidate(w http.ResponseWriter, r *http.Request) {
	var req workflowIDRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if _, _, err := s.modelForRead(r.Context(), req.WorkflowID); err != nil {
		s.fail(w, err)
		return
	}

	if err := s.manager.ValidateWorkflow(r.Context(), req.WorkflowID); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "workflow is deployable", nil)
}

func (s *Server) handleWorkflowDelete(w http.ResponseWriter, r *http.Request) {
	var req workflowIDRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	_, me, err := s.modelForWrite(r.Context(), req.WorkflowID)
	if err != nil {
		s.fail(w, err)
		return
	}

	if err := s.manager.DeleteWorkflow(r.Context(), req.WorkflowID, me.Username); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "workflow deleted", nil)
}

type backupRequest struct {
	Name string `json:"name"`
}

// handleBackup snapshots entity state and the artifact manifest into
// the shared backup directory. Admin only.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	me, err := requireAdmin(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	var req backupRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	path, err := s.manager.Backup(r.Context(), req.Name, me.Username)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"path": path})
}

type reportResetRequest struct {
	ReportID string `json:"report_id" validate:"required"`
}

// handleReportReset re-queues a report wedged at the attempt bound.
// Admin only; this is the operator escape hatch.
func (s *Server) handleReportReset(w http.ResponseWriter, r *http.Request) {
	if _, err := requireAdmin(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	var req reportResetRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	if err := s.reports.Reset(r.Context(), req.ReportID); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, "report-reset", req.ReportID)
	respondMsg(w, http.StatusOK, "report re-queued", nil)
}

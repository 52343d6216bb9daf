package api

import (
	"net/http"

	"github.com/loomworks/bazaar/pkg/manager"
	"github.com/loomworks/bazaar/pkg/types"
)

type deployRunRequest struct {
	ModelID            string `json:"model_id" validate:"required"`
	DeploymentName     string `json:"deployment_name"`
	AutoscalingEnabled bool   `json:"autoscaling_enabled"`
	AutoscalingMin     int    `json:"autoscaling_min" validate:"omitempty,min=1"`
	AutoscalingMax     int    `json:"autoscaling_max" validate:"omitempty,min=1"`
	MemoryMB           int    `json:"memory" validate:"omitempty,min=0"`
}

func (s *Server) handleDeployRun(w http.ResponseWriter, r *http.Request) {
	var req deployRunRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	model, me, err := s.modelForWrite(r.Context(), req.ModelID)
	if err != nil {
		s.fail(w, err)
		return
	}

	name := req.DeploymentName
	if name == "" {
		name = model.Name
	}
	deployment, err := s.manager.Deploy(r.Context(), manager.DeployRequest{
		ModelID:            req.ModelID,
		Name:               name,
		UserID:             me.ID,
		Username:           me.Username,
		AutoscalingEnabled: req.AutoscalingEnabled,
		AutoscalingMin:     req.AutoscalingMin,
		AutoscalingMax:     req.AutoscalingMax,
		MemoryMB:           req.MemoryMB,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{
		"deployment_id": deployment.ID,
		"status":        string(deployment.Status),
	})
}

type deployStopRequest struct {
	ModelID string `json:"model_id" validate:"required"`
}

func (s *Server) handleDeployStop(w http.ResponseWriter, r *http.Request) {
	var req deployStopRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	_, me, err := s.modelForWrite(r.Context(), req.ModelID)
	if err != nil {
		s.fail(w, err)
		return
	}

	if err := s.manager.Undeploy(r.Context(), req.ModelID, me.Username); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "deployment stopped", nil)
}

func (s *Server) handleDeployStatus(w http.ResponseWriter, r *http.Request) {
	modelID, err := queryID(r, "model_id")
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, _, err := s.modelForRead(r.Context(), modelID); err != nil {
		s.fail(w, err)
		return
	}

	deployment, err := s.manager.DeployStatus(r.Context(), modelID)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"deployment_id": deployment.ID,
		"name":          deployment.Name,
		"status":        string(deployment.Status),
		"message":       deployment.Msg,
	})
}

type deployCompleteRequest struct {
	DeploymentID string `json:"deployment_id" validate:"required"`
}

func (s *Server) handleDeployComplete(w http.ResponseWriter, r *http.Request) {
	var req deployCompleteRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	deployment, err := s.store.GetDeployment(r.Context(), req.DeploymentID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, _, err := s.modelForWrite(r.Context(), deployment.ModelID); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.manager.DeployCallback(r.Context(), req.DeploymentID, types.DeployComplete, ""); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "deployment complete", nil)
}

type deployLogRequest struct {
	ModelID string `json:"model_id" validate:"required"`
	AllocID string `json:"alloc_id" validate:"required"`
	Line    string `json:"line" validate:"required"`
}

func (s *Server) handleDeployLog(w http.ResponseWriter, r *http.Request) {
	var req deployLogRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if _, _, err := s.modelForWrite(r.Context(), req.ModelID); err != nil {
		s.fail(w, err)
		return
	}

	if err := s.manager.AppendDeployLog(r.Context(), req.ModelID, req.AllocID, req.Line); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "log appended", nil)
}

package api

import (
	"net/http"

	"github.com/loomworks/bazaar/pkg/types"
)

type modelDeleteRequest struct {
	ModelID string `json:"model_id" validate:"required"`
}

func (s *Server) handleModelDelete(w http.ResponseWriter, r *http.Request) {
	var req modelDeleteRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	_, me, err := s.modelForWrite(r.Context(), req.ModelID)
	if err != nil {
		s.fail(w, err)
		return
	}

	if err := s.manager.DeleteModel(r.Context(), req.ModelID, me.Username); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "model deleted", nil)
}

type saveDeployedRequest struct {
	ModelID   string `json:"model_id" validate:"required"`
	ModelName string `json:"model_name" validate:"required"`
}

// handleSaveDeployed snapshots a live deployment's artifact into a new
// model owned by the caller.
func (s *Server) handleSaveDeployed(w http.ResponseWriter, r *http.Request) {
	var req saveDeployedRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if _, _, err := s.modelForRead(r.Context(), req.ModelID); err != nil {
		s.fail(w, err)
		return
	}

	me := caller(r.Context())
	model, err := s.manager.SaveDeployed(r.Context(), req.ModelID, req.ModelName, me.ID, me.Username)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"model_id": model.ID})
}

func (s *Server) handleNameCheck(w http.ResponseWriter, r *http.Request) {
	name, err := queryID(r, "model_name")
	if err != nil {
		s.fail(w, err)
		return
	}

	if err := s.manager.NameCheck(r.Context(), caller(r.Context()).ID, name); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "name available", nil)
}

type accessLevelRequest struct {
	ModelID     string `json:"model_id" validate:"required"`
	AccessLevel string `json:"access_level" validate:"required,oneof=private protected public"`
}

func (s *Server) handleUpdateAccessLevel(w http.ResponseWriter, r *http.Request) {
	var req accessLevelRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	_, me, err := s.modelForWrite(r.Context(), req.ModelID)
	if err != nil {
		s.fail(w, err)
		return
	}

	if err := s.manager.UpdateAccessLevel(r.Context(), req.ModelID, types.AccessLevel(req.AccessLevel), me.Username); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "access level updated", nil)
}

func (s *Server) handleModelLogs(w http.ResponseWriter, r *http.Request) {
	modelID, err := queryID(r, "model_id")
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, _, err := s.modelForRead(r.Context(), modelID); err != nil {
		s.fail(w, err)
		return
	}

	logs, err := s.manager.ModelLogs(r.Context(), modelID)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"logs": logs})
}

package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomworks/bazaar/pkg/artifact"
	"github.com/loomworks/bazaar/pkg/manager"
	"github.com/loomworks/bazaar/pkg/types"
)

// maxUploadBytes bounds one training upload across all files.
const maxUploadBytes = 2 << 30

type trainOptions struct {
	ModelName   string `json:"model_name" validate:"required"`
	BaseModelID string `json:"base_model_id"`
	Subtype     string `json:"model_subtype"`
}

type jobOptions struct {
	AllocationMemoryMB int `json:"allocation_memory" validate:"omitempty,min=0"`
}

type fileInfo struct {
	Files []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"files"`
}

// handleTrainNDB accepts a multipart upload: training documents under
// the "files" field plus JSON fields model_options, job_options and
// file_info. The documents land in the model's unsupervised directory
// where the training job reads them.
func (s *Server) handleTrainNDB(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		s.fail(w, Validation("train/ndb expects a multipart form"))
		return
	}

	var incoming uint64
	if r.ContentLength > 0 {
		incoming = uint64(r.ContentLength)
	}
	if err := artifact.NewDiskGuard(s.layout.Base(), s.cfg.LowDiskBytes).Check(incoming); err != nil {
		s.fail(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		s.fail(w, Validation("invalid multipart form: %v", err))
		return
	}

	var opts trainOptions
	if err := decodeForm(r, "model_options", &opts); err != nil {
		s.fail(w, err)
		return
	}
	var job jobOptions
	if r.FormValue("job_options") != "" {
		if err := decodeForm(r, "job_options", &job); err != nil {
			s.fail(w, err)
			return
		}
	}
	var info fileInfo
	if r.FormValue("file_info") != "" {
		if err := decodeForm(r, "file_info", &info); err != nil {
			s.fail(w, err)
			return
		}
	}

	me := caller(r.Context())
	model, err := s.manager.Train(r.Context(), manager.TrainRequest{
		OwnerID:     me.ID,
		Username:    me.Username,
		ModelName:   opts.ModelName,
		Type:        types.ModelTypeNDB,
		Subtype:     opts.Subtype,
		BaseModelID: opts.BaseModelID,
		MemoryMB:    job.AllocationMemoryMB,
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	saved, err := s.saveUploads(r, model.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"model_id": model.ID,
		"files":    saved,
	})
}

type trainUDTRequest struct {
	ModelName   string `json:"model_name" validate:"required"`
	UDTType     string `json:"udt_type" validate:"required,oneof=text token"`
	BaseModelID string `json:"base_model_id"`
	MemoryMB    int    `json:"allocation_memory" validate:"omitempty,min=0"`
}

// handleTrainUDT starts a classifier training. udt_type selects the
// text (document classification) or token (entity tagging) variant.
func (s *Server) handleTrainUDT(w http.ResponseWriter, r *http.Request) {
	var req trainUDTRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	modelType := types.ModelTypeNLPText
	if req.UDTType == "token" {
		modelType = types.ModelTypeNLPToken
	}

	me := caller(r.Context())
	model, err := s.manager.Train(r.Context(), manager.TrainRequest{
		OwnerID:     me.ID,
		Username:    me.Username,
		ModelName:   req.ModelName,
		Type:        modelType,
		Subtype:     req.UDTType,
		BaseModelID: req.BaseModelID,
		MemoryMB:    req.MemoryMB,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"model_id": model.ID})
}

type trainCompleteRequest struct {
	ModelID string `json:"model_id" validate:"required"`
}

func (s *Server) handleTrainComplete(w http.ResponseWriter, r *http.Request) {
	var req trainCompleteRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if _, _, err := s.modelForWrite(r.Context(), req.ModelID); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.manager.TrainCallback(r.Context(), req.ModelID, types.TrainComplete, ""); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "training complete", nil)
}

type trainStatusUpdate struct {
	ModelID string `json:"model_id" validate:"required"`
	Status  string `json:"status" validate:"required,oneof=not_started in_progress complete failed"`
	Message string `json:"message"`
}

func (s *Server) handleTrainUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req trainStatusUpdate
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if _, _, err := s.modelForWrite(r.Context(), req.ModelID); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.manager.TrainCallback(r.Context(), req.ModelID, types.TrainStatus(req.Status), req.Message); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "status updated", nil)
}

func (s *Server) handleTrainStatus(w http.ResponseWriter, r *http.Request) {
	modelID, err := queryID(r, "model_id")
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, _, err := s.modelForRead(r.Context(), modelID); err != nil {
		s.fail(w, err)
		return
	}

	status, message, err := s.manager.TrainStatus(r.Context(), modelID)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{
		"model_id": modelID,
		"status":   string(status),
		"message":  message,
	})
}

func (s *Server) handleTrainLogs(w http.ResponseWriter, r *http.Request) {
	modelID, err := queryID(r, "model_id")
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, _, err := s.modelForRead(r.Context(), modelID); err != nil {
		s.fail(w, err)
		return
	}

	logs, err := s.manager.TrainLogs(r.Context(), modelID)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"logs": logs})
}

// saveUploads copies every uploaded file into the model's unsupervised
// directory, flattening client paths to bare names.
func (s *Server) saveUploads(r *http.Request, modelID string) ([]string, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	dir := s.layout.UnsupervisedDir(modelID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	var saved []string
	for _, header := range r.MultipartForm.File["files"] {
		name := filepath.Base(header.Filename)
		if name == "." || name == string(filepath.Separator) {
			return nil, Validation("invalid file name %q", header.Filename)
		}
		src, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open upload %s: %w", name, err)
		}
		dst, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("failed to create %s: %w", name, err)
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
		saved = append(saved, name)
	}
	return saved, nil
}

package api

import (
	"net/http"

	"github.com/loomworks/bazaar/pkg/types"
)

type addSecretRequest struct {
	Name  string `json:"name" validate:"required,min=1,max=128"`
	Value string `json:"value" validate:"required"`
}

// handleAddSecret seals a secret under the install's vault key and
// stores the ciphertext. Admin only.
func (s *Server) handleAddSecret(w http.ResponseWriter, r *http.Request) {
	if _, err := requireAdmin(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	if s.vault == nil {
		s.fail(w, Validation("no vault key configured"))
		return
	}
	var req addSecretRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	sealed, err := s.vault.Seal([]byte(req.Value))
	if err != nil {
		s.fail(w, err)
		return
	}
	secret := &types.Secret{Name: req.Name, Ciphertext: sealed}
	if err := s.store.UpsertSecret(r.Context(), secret); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, "add-secret", req.Name)
	respondMsg(w, http.StatusOK, "secret stored", nil)
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	if _, err := requireAdmin(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	if s.vault == nil {
		s.fail(w, Validation("no vault key configured"))
		return
	}
	name, err := queryID(r, "name")
	if err != nil {
		s.fail(w, err)
		return
	}

	secret, err := s.store.GetSecret(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	value, err := s.vault.Open(secret.Ciphertext)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{
		"name":  name,
		"value": string(value),
	})
}

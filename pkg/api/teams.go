package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/loomworks/bazaar/pkg/types"
)

type createTeamRequest struct {
	Name string `json:"name" validate:"required,min=2,max=64"`
}

// handleCreateTeam creates a team and makes the caller its admin.
func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	team := &types.Team{ID: uuid.New().String(), Name: req.Name}
	if err := s.store.CreateTeam(r.Context(), team); err != nil {
		s.fail(w, err)
		return
	}
	membership := &types.TeamMembership{
		UserID: caller(r.Context()).ID,
		TeamID: team.ID,
		Role:   types.TeamRoleAdmin,
	}
	if err := s.store.UpsertTeamMembership(r.Context(), membership); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, "create-team", req.Name)
	respond(w, http.StatusOK, map[string]string{"team_id": team.ID})
}

type teamMemberRequest struct {
	TeamID string `json:"team_id" validate:"required"`
	Email  string `json:"email" validate:"required,email"`
}

func (s *Server) handleAddUserToTeam(w http.ResponseWriter, r *http.Request) {
	s.changeMembership(w, r, "add-user-to-team", types.TeamRoleMember)
}

func (s *Server) handleAssignTeamAdmin(w http.ResponseWriter, r *http.Request) {
	s.changeMembership(w, r, "assign-team-admin", types.TeamRoleAdmin)
}

func (s *Server) changeMembership(w http.ResponseWriter, r *http.Request, action string, role types.TeamRole) {
	var req teamMemberRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.requireTeamAdmin(r.Context(), req.TeamID); err != nil {
		s.fail(w, err)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		s.fail(w, err)
		return
	}
	membership := &types.TeamMembership{UserID: user.ID, TeamID: req.TeamID, Role: role}
	if err := s.store.UpsertTeamMembership(r.Context(), membership); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, action, user.Username+" -> "+req.TeamID)
	respondMsg(w, http.StatusOK, "membership updated", nil)
}

func (s *Server) handleRemoveUserFromTeam(w http.ResponseWriter, r *http.Request) {
	var req teamMemberRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.requireTeamAdmin(r.Context(), req.TeamID); err != nil {
		s.fail(w, err)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.RemoveTeamMembership(r.Context(), user.ID, req.TeamID); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, "remove-user-from-team", user.Username+" -> "+req.TeamID)
	respondMsg(w, http.StatusOK, "membership removed", nil)
}

type deleteTeamRequest struct {
	TeamID string `json:"team_id" validate:"required"`
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	var req deleteTeamRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.requireTeamAdmin(r.Context(), req.TeamID); err != nil {
		s.fail(w, err)
		return
	}

	if err := s.store.DeleteTeam(r.Context(), req.TeamID); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, "delete-team", req.TeamID)
	respondMsg(w, http.StatusOK, "team deleted", nil)
}

// requireTeamAdmin verifies the caller is a global admin or holds the
// team_admin role in the given team.
func (s *Server) requireTeamAdmin(ctx context.Context, teamID string) error {
	user := caller(ctx)
	if user == nil {
		return Unauthorized("no credentials supplied")
	}
	if user.GlobalAdmin {
		return nil
	}

	memberships, err := s.store.ListTeamsForUser(ctx, user.ID)
	if err != nil {
		return err
	}
	for _, m := range memberships {
		if m.TeamID == teamID && m.Role == types.TeamRoleAdmin {
			return nil
		}
	}
	return Forbidden("requires team admin of %s", teamID)
}

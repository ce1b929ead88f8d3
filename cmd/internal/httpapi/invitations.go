package httpapi

import (
	"errors"
	"net/http"

	"tandem/cmd/internal/invite"
	"tandem/cmd/internal/notify"
	v1 "tandem/shared/contracts/realtime/v1"
)

// handleIssueInvitation reports duplicate and already-member rejections as
// 200 {success:false, reason} so the inviting UI can render them inline.
func (h *Handler) handleIssueInvitation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req inviteRequest
	if !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	res, err := h.invites.Issue(r.Context(), invite.IssueInput{
		Actor:   actor,
		EventID: pathValue(r, "id"),
		Email:   req.Email,
		Role:    req.Role,
	})
	switch {
	case errors.Is(err, invite.ErrDuplicatePending):
		writeJSON(w, http.StatusOK, successResponse{Success: false, Reason: "duplicate_pending"})
		return
	case errors.Is(err, invite.ErrAlreadyMember):
		writeJSON(w, http.StatusOK, successResponse{Success: false, Reason: "already_member"})
		return
	case err != nil:
		h.writeServiceError(w, "http.invitations.issue", err)
		return
	}

	out := successResponse{Success: true, InvitationID: res.Invitation.ID}
	if res.Warning != nil {
		out.Warning = "email_not_sent"
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	invs, err := h.invites.List(r.Context(), actor, pathValue(r, "id"))
	if err != nil {
		h.writeServiceError(w, "http.invitations.list", err)
		return
	}
	out := make([]v1.InvitationView, 0, len(invs))
	for _, inv := range invs {
		out = append(out, notify.InvitationView(inv))
	}
	writeJSON(w, http.StatusOK, invitationsResponse{Invitations: out})
}

func (h *Handler) handleRevokeInvitation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if err := h.invites.Revoke(r.Context(), actor, pathValue(r, "id"), pathValue(r, "invitationID")); err != nil {
		h.writeServiceError(w, "http.invitations.revoke", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleResolveInvitation(w http.ResponseWriter, r *http.Request) {
	res, err := h.invites.Resolve(r.Context(), r.PathValue("token"))
	if err != nil {
		h.writeServiceError(w, "http.invitations.resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{
		Invitation: notify.InvitationView(res.Invitation),
		Event:      notify.EventView(res.Event),
		Inviter:    inviterView{ActorID: res.Inviter.ID, Email: res.Inviter.Email},
	})
}

func (h *Handler) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	res, err := h.invites.Accept(r.Context(), invite.AcceptInput{Actor: actor, Token: r.PathValue("token")})
	if err != nil {
		h.writeServiceError(w, "http.invitations.accept", err)
		return
	}
	writeJSON(w, http.StatusOK, acceptResponse{
		Event:  notify.EventView(res.Event),
		Role:   res.Membership.Role.String(),
		Joined: res.Joined,
	})
}

func (h *Handler) handleDeclineInvitation(w http.ResponseWriter, r *http.Request) {
	if err := h.invites.Decline(r.Context(), r.PathValue("token")); err != nil {
		h.writeServiceError(w, "http.invitations.decline", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

package httpapi

import (
	"net/http"

	"tandem/cmd/internal/events"
	"tandem/cmd/internal/notify"
	v1 "tandem/shared/contracts/realtime/v1"
)

func (h *Handler) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req createEventRequest
	if !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	ev, err := h.events.Create(r.Context(), events.CreateInput{
		Actor:       actor,
		Title:       req.Title,
		Description: req.Description,
		AISource:    req.AISource,
		AISummary:   req.AISummary,
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		Color:       req.Color,
		Status:      req.Status,
		Link:        toLinkInput(req.Link),
	})
	if err != nil {
		h.writeServiceError(w, "http.events.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, eventResponse{Event: notify.EventView(ev), Role: "owner"})
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	evs, err := h.events.List(r.Context(), actor)
	if err != nil {
		h.writeServiceError(w, "http.events.list", err)
		return
	}
	out := make([]v1.EventView, 0, len(evs))
	for _, ev := range evs {
		out = append(out, notify.EventView(ev))
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: out})
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ev, role, err := h.events.Get(r.Context(), actor, pathValue(r, "id"))
	if err != nil {
		h.writeServiceError(w, "http.events.get", err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Event: notify.EventView(ev), Role: role.String()})
}

func (h *Handler) handlePatchEvent(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req patchEventRequest
	if !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}
	if req.LastKnownVersion == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "last_known_version is required")
		return
	}

	ev, err := h.events.Update(r.Context(), events.UpdateInput{
		Actor:           actor,
		EventID:         pathValue(r, "id"),
		ExpectedVersion: *req.LastKnownVersion,
		Patch: events.Patch{
			Title:       req.Title,
			Description: req.Description,
			AISource:    req.AISource,
			AISummary:   req.AISummary,
			StartAt:     req.StartAt,
			EndAt:       req.EndAt,
			Color:       req.Color,
			Status:      req.Status,
			Link:        toLinkInput(req.Link),
			ClearLink:   req.ClearLink,
		},
	})
	if err != nil {
		h.writeServiceError(w, "http.events.update", err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Event: notify.EventView(ev)})
}

func (h *Handler) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if err := h.events.Delete(r.Context(), actor, pathValue(r, "id")); err != nil {
		h.writeServiceError(w, "http.events.delete", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleExportICS(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	id := pathValue(r, "id")
	body, err := h.events.ExportICS(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, "http.events.ics", err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.ics"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ms, err := h.events.Participants(r.Context(), actor, pathValue(r, "id"))
	if err != nil {
		h.writeServiceError(w, "http.participants.list", err)
		return
	}
	out := make([]v1.ParticipantView, 0, len(ms))
	for _, m := range ms {
		out = append(out, notify.ParticipantView(m))
	}
	writeJSON(w, http.StatusOK, participantsResponse{Participants: out})
}

func (h *Handler) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req changeRoleRequest
	if !readJSON(w, r, h.cfg.MaxBodyBytes, &req) {
		return
	}

	m, err := h.events.ChangeRole(r.Context(), events.ChangeRoleInput{
		Actor:    actor,
		EventID:  pathValue(r, "id"),
		TargetID: pathValue(r, "actorID"),
		Role:     req.Role,
	})
	if err != nil {
		h.writeServiceError(w, "http.participants.role", err)
		return
	}
	writeJSON(w, http.StatusOK, participantResponse{Participant: notify.ParticipantView(m)})
}

func (h *Handler) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if err := h.events.RemoveParticipant(r.Context(), actor, pathValue(r, "id"), pathValue(r, "actorID")); err != nil {
		h.writeServiceError(w, "http.participants.remove", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if err := h.events.Leave(r.Context(), actor, pathValue(r, "id")); err != nil {
		h.writeServiceError(w, "http.participants.leave", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func toLinkInput(l *linkRequest) *events.LinkInput {
	if l == nil {
		return nil
	}
	return &events.LinkInput{Kind: l.Kind, ID: l.ID}
}

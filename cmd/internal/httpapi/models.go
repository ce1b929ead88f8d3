package httpapi

import (
	"time"

	v1 "tandem/shared/contracts/realtime/v1"
)

type linkRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type createEventRequest struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	AISource    string       `json:"ai_source"`
	AISummary   string       `json:"ai_summary"`
	StartAt     time.Time    `json:"start_at"`
	EndAt       time.Time    `json:"end_at"`
	Color       string       `json:"color"`
	Status      string       `json:"status"`
	Link        *linkRequest `json:"link"`
}

type patchEventRequest struct {
	LastKnownVersion *int64       `json:"last_known_version"`
	Title            *string      `json:"title"`
	Description      *string      `json:"description"`
	AISource         *string      `json:"ai_source"`
	AISummary        *string      `json:"ai_summary"`
	StartAt          *time.Time   `json:"start_at"`
	EndAt            *time.Time   `json:"end_at"`
	Color            *string      `json:"color"`
	Status           *string      `json:"status"`
	Link             *linkRequest `json:"link"`
	ClearLink        bool         `json:"clear_link"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type inviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type eventResponse struct {
	Event v1.EventView `json:"event"`
	Role  string       `json:"role,omitempty"`
}

type eventsResponse struct {
	Events []v1.EventView `json:"events"`
}

type participantResponse struct {
	Participant v1.ParticipantView `json:"participant"`
}

type participantsResponse struct {
	Participants []v1.ParticipantView `json:"participants"`
}

type successResponse struct {
	Success      bool   `json:"success"`
	InvitationID string `json:"invitation_id,omitempty"`
	Warning      string `json:"warning,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type invitationsResponse struct {
	Invitations []v1.InvitationView `json:"invitations"`
}

type inviterView struct {
	ActorID string `json:"actor_id"`
	Email   string `json:"email,omitempty"`
}

type resolveResponse struct {
	Invitation v1.InvitationView `json:"invitation"`
	Event      v1.EventView      `json:"event"`
	Inviter    inviterView       `json:"inviter"`
}

type acceptResponse struct {
	Event  v1.EventView `json:"event"`
	Role   string       `json:"role"`
	Joined bool         `json:"joined"`
}

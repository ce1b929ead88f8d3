package notify

import (
	"tandem/cmd/internal/store"
	v1 "tandem/shared/contracts/realtime/v1"
)

// EventView converts a stored event to its wire snapshot.
func EventView(ev store.Event) v1.EventView {
	out := v1.EventView{
		ID:          ev.ID,
		Seq:         ev.Seq,
		OwnerID:     ev.OwnerID,
		Title:       ev.Title,
		Description: ev.Description,
		AISource:    ev.AISource,
		AISummary:   ev.AISummary,
		StartAt:     ev.StartAt.UTC(),
		EndAt:       ev.EndAt.UTC(),
		Color:       string(ev.Color),
		Status:      string(ev.Status),
		Version:     ev.Version,
		CreatedAt:   ev.CreatedAt.UTC(),
		UpdatedAt:   ev.UpdatedAt.UTC(),
	}
	if ev.Link != nil {
		out.Link = &v1.LinkView{Kind: string(ev.Link.Kind), ID: ev.Link.ID}
	}
	return out
}

// ParticipantView converts a membership.
func ParticipantView(m store.Membership) v1.ParticipantView {
	return v1.ParticipantView{
		ActorID:  m.ActorID,
		Email:    m.Email,
		Role:     m.Role.String(),
		JoinedAt: m.CreatedAt.UTC(),
	}
}

// InvitationView converts an invitation. The token hash is never exposed.
func InvitationView(inv store.Invitation) v1.InvitationView {
	return v1.InvitationView{
		ID:        inv.ID,
		EventID:   inv.EventID,
		InviterID: inv.InviterID,
		Email:     inv.Email,
		Role:      inv.Role.String(),
		Status:    string(inv.Status),
		ExpiresAt: inv.ExpiresAt.UTC(),
		CreatedAt: inv.CreatedAt.UTC(),
	}
}

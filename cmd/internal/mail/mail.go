// Package mail dispatches invitation emails.
package mail

import (
	"context"
	"log/slog"
	"time"
)

// Invitation is everything an invitation email shows.
type Invitation struct {
	To           string
	InviterEmail string
	EventTitle   string
	EventStart   time.Time
	Role         string
	AcceptURL    string
	ExpiresAt    time.Time
}

// Sender delivers invitation emails.
type Sender interface {
	SendInvitation(ctx context.Context, inv Invitation) error
}

// LogSender writes the invitation to the log instead of sending it. Used in
// development when SMTP is not configured.
type LogSender struct {
	Log *slog.Logger
}

func (s LogSender) SendInvitation(_ context.Context, inv Invitation) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("mail.invitation.log",
		"to", inv.To,
		"event_title", inv.EventTitle,
		"role", inv.Role,
		"accept_url", inv.AcceptURL,
		"expires_at", inv.ExpiresAt,
	)
	return nil
}

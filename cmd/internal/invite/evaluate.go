package invite

import (
	"time"

	"tandem/cmd/internal/store"
)

// Evaluate applies read-time expiry: a pending invitation whose horizon has
// passed (now > ExpiresAt) is returned as expired. Terminal statuses are
// returned unchanged. The caller persists the copy when its status differs
// from the stored one.
func Evaluate(inv store.Invitation, now time.Time) (store.Invitation, store.InvitationStatus) {
	if inv.Status == store.InvitationPending && now.After(inv.ExpiresAt) {
		inv.Status = store.InvitationExpired
		inv.UpdatedAt = now
	}
	return inv, inv.Status
}

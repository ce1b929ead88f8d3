package events

import (
	"strings"
	"time"
	"unicode/utf8"

	"tandem/cmd/domain"
	"tandem/cmd/internal/store"
)

const (
	maxTitleRunes       = 200
	maxDescriptionRunes = 20000
	maxAIRunes          = 20000
)

// LinkInput is the wire form of an optional Challenge / D-day link.
type LinkInput struct {
	Kind string
	ID   string
}

func parseLink(op string, in *LinkInput) (*store.Link, error) {
	if in == nil {
		return nil, nil
	}
	kind, ok := store.ParseLinkKind(in.Kind)
	if !ok {
		return nil, domain.Invalid(op, "link kind must be challenge or dday")
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return nil, domain.Invalid(op, "link id is required")
	}
	return &store.Link{Kind: kind, ID: id}, nil
}

// validateEvent checks the merged record before any write.
func validateEvent(op string, ev store.Event) error {
	title := strings.TrimSpace(ev.Title)
	if title == "" {
		return domain.Invalid(op, "title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return domain.Invalid(op, "title is too long")
	}
	if utf8.RuneCountInString(ev.Description) > maxDescriptionRunes {
		return domain.Invalid(op, "description is too long")
	}
	if utf8.RuneCountInString(ev.AISource) > maxAIRunes || utf8.RuneCountInString(ev.AISummary) > maxAIRunes {
		return domain.Invalid(op, "ai text is too long")
	}
	if ev.StartAt.IsZero() || ev.EndAt.IsZero() {
		return domain.Invalid(op, "start and end are required")
	}
	if ev.EndAt.Before(ev.StartAt) {
		return domain.Invalid(op, "end must not be before start")
	}
	return nil
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

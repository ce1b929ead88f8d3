package events

import (
	"context"
	"strconv"

	"tandem/cmd/domain"
	"tandem/cmd/internal/store"

	ics "github.com/arran4/golang-ical"
)

const icsProductID = "-//tandem//event export//EN"

// ExportICS renders the event as a single-VEVENT calendar readable by any
// member. UID is the global event id and SEQUENCE follows the version, so
// calendar clients treat each accepted update as a revision.
func (s *Service) ExportICS(ctx context.Context, actor domain.Actor, eventID string) ([]byte, error) {
	ev, _, err := s.Get(ctx, actor, eventID)
	if err != nil {
		return nil, err
	}
	return []byte(renderICS(ev)), nil
}

func renderICS(ev store.Event) string {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(icsProductID)

	ve := cal.AddEvent(ev.ID)
	ve.SetDtStampTime(ev.UpdatedAt)
	ve.SetCreatedTime(ev.CreatedAt)
	ve.SetModifiedAt(ev.UpdatedAt)
	ve.SetStartAt(ev.StartAt)
	ve.SetEndAt(ev.EndAt)
	ve.SetSummary(ev.Title)
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	ve.SetProperty(ics.ComponentPropertySequence, strconv.FormatInt(ev.Version, 10))
	ve.SetProperty(ics.ComponentPropertyStatus, icsStatus(ev.Status))
	ve.SetProperty(ics.ComponentPropertyCategories, string(ev.Color))

	return cal.Serialize()
}

func icsStatus(st store.EventStatus) string {
	if st == store.StatusCancelled {
		return "CANCELLED"
	}
	return "CONFIRMED"
}

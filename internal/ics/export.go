package ics

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"

	"doit/internal/event"
	appLog "doit/internal/log"
	"doit/internal/model"
	"doit/internal/reminder"
	"doit/internal/timenorm"
)

// Export renders a user's events and enabled reminders as an iCalendar
// feed. Each event carries one VALARM per notification tier and each
// reminder one at its due time, so a calendar client reproduces the local
// notifications. Records with invalid dates are left out.
func Export(c timenorm.Correction, events []model.CalendarEvent, reminders []model.Reminder, now time.Time) string {
	cal := ical.NewCalendarFor("doit")
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName("Do It")

	for _, ev := range events {
		at, err := c.Correct(ev.OccursAt)
		if err != nil {
			appLog.Warn("event left out of export", "event", ev.ID, "err", err)
			continue
		}
		vev := cal.AddEvent("event-" + ev.ID + "@doit")
		vev.SetDtStampTime(now)
		vev.SetStartAt(at.Time())
		vev.SetSummary(ev.Title)
		if ev.Description != "" {
			vev.SetDescription(ev.Description)
		}
		for _, t := range event.Tiers {
			addAlarm(vev, t.Lead, t.BodyPrefix+ev.Title)
		}
	}

	for _, r := range reminders {
		if !r.Enabled {
			continue
		}
		due, err := c.Correct(r.DueAt)
		if err != nil {
			appLog.Warn("reminder left out of export", "reminder", r.ID, "err", err)
			continue
		}
		vev := cal.AddEvent("reminder-" + r.ID + "@doit")
		vev.SetDtStampTime(now)
		vev.SetStartAt(due.Time())
		vev.SetSummary(r.Title)
		if r.Description != "" {
			vev.SetDescription(r.Description)
		}
		addAlarm(vev, 0, reminder.NotificationBody(r.Title))
	}

	return cal.Serialize()
}

func addAlarm(vev *ical.VEvent, lead time.Duration, text string) {
	a := vev.AddAlarm()
	a.SetAction(ical.ActionDisplay)
	a.SetTrigger(trigger(lead))
	a.SetProperty(ical.ComponentPropertyDescription, text)
}

// trigger formats a lead time as a relative TRIGGER value.
func trigger(lead time.Duration) string {
	if lead <= 0 {
		return "PT0S"
	}
	return fmt.Sprintf("-PT%dH", int(lead.Hours()))
}

package outreach

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kindling-ai/kindred/internal/channel"
	"github.com/kindling-ai/kindred/internal/permission"
)

// ProposeMeeting runs the scheduling pipeline: score the pair, resolve
// the schedule_meeting permission, find the first free calendar slot of
// the given duration inside [windowStart, windowEnd), then create the
// event or queue it for approval. The other profile must have an email
// to invite; otherwise OutcomeNoContact.
func (o *Orchestrator) ProposeMeeting(ctx context.Context, userID, otherID string, windowStart, windowEnd time.Time, duration time.Duration) (Response, error) {
	if duration <= 0 || !windowEnd.After(windowStart) {
		return Response{}, fmt.Errorf("invalid meeting window")
	}

	user, other, err := o.fetchPair(ctx, userID, otherID)
	if err != nil {
		return Response{}, err
	}

	p, err := o.cfg.Prefs.Get(userID)
	if err != nil {
		return Response{}, err
	}

	match := o.cfg.Matcher.Match(user, other, p.Threshold)
	decision := permission.Resolve(permission.ActionScheduleMeeting, match, p.Permissions)
	resp := Response{Action: permission.ActionScheduleMeeting, Match: match}

	if decision == permission.DecisionSuppress {
		resp.Outcome = OutcomeSuppressed
		return resp, nil
	}
	if !other.HasEmail() {
		resp.Outcome = OutcomeNoContact
		return resp, nil
	}
	if o.cfg.Calendar == nil {
		return Response{}, &channel.ConnectError{Channel: "calendar", Err: fmt.Errorf("no calendar configured")}
	}

	busy, err := o.cfg.Calendar.BusyTimes(ctx, windowStart, windowEnd)
	if err != nil {
		return Response{}, fmt.Errorf("checking availability for %s: %w", userID, err)
	}

	slot, ok := firstFreeSlot(windowStart, windowEnd, duration, busy)
	if !ok {
		resp.Outcome = OutcomeNoSlot
		return resp, nil
	}

	summary := meetingSummary(user.Name, other.Name)
	event := channel.Event{
		Summary:     summary,
		Description: match.Reason,
		Start:       slot.Start,
		End:         slot.End,
		Attendees:   []string{other.Contact.Email},
	}

	if decision == permission.DecisionExecute {
		receipt, err := o.cfg.Calendar.CreateEvent(ctx, event)
		if err != nil {
			o.logInteraction(userID, otherID, permission.ActionScheduleMeeting, "failed", map[string]any{
				"channel": "calendar",
				"error":   err.Error(),
			})
			return Response{}, fmt.Errorf("scheduling meeting with %s: %w", otherID, err)
		}
		resp.Outcome = OutcomeScheduled
		resp.Channel = "calendar"
		resp.MessageID = receipt.MessageID
		o.logInteraction(userID, otherID, permission.ActionScheduleMeeting, string(OutcomeScheduled), map[string]any{
			"event_id": receipt.MessageID,
			"start":    slot.Start.Format(time.RFC3339),
		})
		return resp, nil
	}

	draft := fmt.Sprintf("%s — %s to %s", summary,
		slot.Start.Format(time.RFC3339), slot.End.Format(time.RFC3339))
	return o.queueApproval(resp, userID, otherID, permission.ActionScheduleMeeting, draft, match, map[string]any{
		"summary":  summary,
		"start":    slot.Start.Format(time.RFC3339),
		"end":      slot.End.Format(time.RFC3339),
		"attendee": other.Contact.Email,
	})
}

func meetingSummary(userName, otherName string) string {
	if userName == "" {
		userName = "you"
	}
	if otherName == "" {
		otherName = "a new contact"
	}
	return fmt.Sprintf("Intro: %s / %s", userName, otherName)
}

// firstFreeSlot finds the earliest gap of at least duration inside the
// window, given the calendar's busy intervals.
func firstFreeSlot(windowStart, windowEnd time.Time, duration time.Duration, busy []channel.Interval) (channel.Interval, bool) {
	sorted := make([]channel.Interval, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	candidate := windowStart
	for _, b := range sorted {
		if !b.End.After(candidate) {
			continue
		}
		if !b.Start.Before(candidate.Add(duration)) {
			break
		}
		candidate = b.End
	}

	if candidate.Add(duration).After(windowEnd) {
		return channel.Interval{}, false
	}
	return channel.Interval{Start: candidate, End: candidate.Add(duration)}, true
}

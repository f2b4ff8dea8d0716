package outreach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kindling-ai/kindred/internal/channel"
	"github.com/kindling-ai/kindred/internal/matching"
	"github.com/kindling-ai/kindred/internal/permission"
	"github.com/kindling-ai/kindred/internal/storage"
)

// ErrApprovalExpired is returned when resolving an approval past its
// expiry; the approval is marked expired as a side effect.
var ErrApprovalExpired = errors.New("approval expired")

// ResolveApproval applies the user's verdict to a queued approval.
// Approving claims the approval and dispatches the stored draft; a
// dispatch failure after the claim propagates, the approval stays
// approved. Declining records the verdict without dispatching. An
// approval that is not pending surfaces storage.ErrNotFound.
func (o *Orchestrator) ResolveApproval(ctx context.Context, approvalID string, approve bool) (Response, error) {
	a, err := o.cfg.Approvals.GetApproval(approvalID)
	if err != nil {
		return Response{}, fmt.Errorf("loading approval %s: %w", approvalID, err)
	}

	if a.Status == storage.ApprovalPending && o.cfg.Clock.Now().After(a.ExpiresAt) {
		if err := o.cfg.Approvals.UpdateApprovalStatus(approvalID, storage.ApprovalExpired); err != nil {
			return Response{}, fmt.Errorf("expiring approval %s: %w", approvalID, err)
		}
		return Response{}, fmt.Errorf("%w: %s", ErrApprovalExpired, approvalID)
	}

	action := permission.ActionType(a.ActionType)
	match := matching.Result{Score: a.MatchScore, Reason: a.MatchReason}
	resp := Response{Action: action, Match: match}

	if !approve {
		if err := o.cfg.Approvals.UpdateApprovalStatus(approvalID, storage.ApprovalDeclined); err != nil {
			return Response{}, fmt.Errorf("declining approval %s: %w", approvalID, err)
		}
		o.logInteraction(a.UserID, a.OtherUserID, action, string(OutcomeDeclined), map[string]any{
			"approval_id": approvalID,
		})
		resp.Outcome = OutcomeDeclined
		return resp, nil
	}

	if err := o.cfg.Approvals.UpdateApprovalStatus(approvalID, storage.ApprovalApproved); err != nil {
		return Response{}, fmt.Errorf("approving approval %s: %w", approvalID, err)
	}

	switch action {
	case permission.ActionScheduleMeeting:
		return o.dispatchApprovedMeeting(ctx, resp, a)
	default:
		other, err := o.cfg.Profiles.Get(a.OtherUserID)
		if err != nil {
			return Response{}, wrapProfileErr(a.OtherUserID, err)
		}
		return o.dispatchMessage(ctx, resp, a.UserID, other, a.Draft, nil)
	}
}

// approvedMeeting is the slot stashed in the approval's context when a
// meeting proposal is queued.
type approvedMeeting struct {
	Summary  string    `json:"summary"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Attendee string    `json:"attendee"`
}

func (o *Orchestrator) dispatchApprovedMeeting(ctx context.Context, resp Response, a storage.Approval) (Response, error) {
	var slot approvedMeeting
	if err := json.Unmarshal([]byte(a.Context), &slot); err != nil {
		return Response{}, fmt.Errorf("decoding meeting slot for approval %s: %w", a.ID, err)
	}
	if o.cfg.Calendar == nil {
		return Response{}, &channel.ConnectError{Channel: "calendar", Err: fmt.Errorf("no calendar configured")}
	}

	receipt, err := o.cfg.Calendar.CreateEvent(ctx, channel.Event{
		Summary:     slot.Summary,
		Description: a.MatchReason,
		Start:       slot.Start,
		End:         slot.End,
		Attendees:   []string{slot.Attendee},
	})
	if err != nil {
		o.logInteraction(a.UserID, a.OtherUserID, permission.ActionScheduleMeeting, "failed", map[string]any{
			"channel":     "calendar",
			"approval_id": a.ID,
			"error":       err.Error(),
		})
		return Response{}, fmt.Errorf("scheduling approved meeting %s: %w", a.ID, err)
	}

	resp.Outcome = OutcomeScheduled
	resp.Channel = "calendar"
	resp.MessageID = receipt.MessageID
	resp.Draft = a.Draft
	o.logInteraction(a.UserID, a.OtherUserID, permission.ActionScheduleMeeting, string(OutcomeScheduled), map[string]any{
		"approval_id": a.ID,
		"event_id":    receipt.MessageID,
	})
	return resp, nil
}

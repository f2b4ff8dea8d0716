// Package outreach coordinates one detected-person or inbound-message
// event end to end: fetch both profiles, score the match, resolve the
// user's permission for the action, then dispatch, queue for approval,
// or suppress. The orchestrator holds no mutable state and performs no
// retries; dispatch is the point of no return.
package outreach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kindling-ai/kindred/internal/channel"
	"github.com/kindling-ai/kindred/internal/matching"
	"github.com/kindling-ai/kindred/internal/permission"
	"github.com/kindling-ai/kindred/internal/prefs"
	"github.com/kindling-ai/kindred/internal/profile"
	"github.com/kindling-ai/kindred/internal/storage"
)

// ErrProfileNotFound is returned when either side of a pair has no
// profile in the directory. Terminal for the call; the caller should
// prompt the user to add the contact.
var ErrProfileNotFound = errors.New("profile not found")

const (
	defaultApprovalTTL = 24 * time.Hour
	historyLimit       = 50
)

// Outcome describes how an event was handled.
type Outcome string

const (
	// OutcomeSent means the action was dispatched through a channel.
	OutcomeSent Outcome = "sent"
	// OutcomeScheduled means a calendar event was created.
	OutcomeScheduled Outcome = "scheduled"
	// OutcomePending means the action awaits the user's approval.
	OutcomePending Outcome = "pending_approval"
	// OutcomeSuppressed means the user's settings forbid the action.
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeDeclined means the user declined a queued approval.
	OutcomeDeclined Outcome = "declined"
	// OutcomeNoContact means the other profile has no reachable
	// channel for the action. Not an error.
	OutcomeNoContact Outcome = "no_contact"
	// OutcomeNoSlot means no free calendar slot fit the window.
	OutcomeNoSlot Outcome = "no_slot"
)

// Response reports how the orchestrator handled one event.
type Response struct {
	Outcome        Outcome                `json:"outcome"`
	Action         permission.ActionType  `json:"action"`
	Match          matching.Result        `json:"match"`
	Draft          string                 `json:"draft,omitempty"`
	Channel        string                 `json:"channel,omitempty"`
	MessageID      string                 `json:"message_id,omitempty"`
	ApprovalID     string                 `json:"approval_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
}

// ProfileDirectory is the profile-store collaborator.
type ProfileDirectory interface {
	Get(userID string) (profile.Profile, error)
}

// PreferenceSource yields a user's resolved preferences. Absence of a
// record is handled inside it; an error here is a real failure.
type PreferenceSource interface {
	Get(userID string) (prefs.Preferences, error)
}

// Matcher scores a profile pair. Implemented by matching.Engine.
type Matcher interface {
	Match(a, b profile.Profile, threshold float64) matching.Result
}

// Drafter produces the outgoing text. Implemented by composer.Composer.
type Drafter interface {
	DraftIntroduction(ctx context.Context, sender, target profile.Profile, matchReason, eventContext string) (string, error)
	DraftReply(ctx context.Context, sender, target profile.Profile, history []storage.ConversationMessage) (string, error)
}

// InteractionLog records what the assistant did. Implemented by
// storage.Store.
type InteractionLog interface {
	AppendInteraction(i storage.Interaction) error
}

// ConversationStore holds message history. Implemented by storage.Store.
type ConversationStore interface {
	AppendConversationMessage(m storage.ConversationMessage) error
	ConversationHistory(conversationID string, limit int) ([]storage.ConversationMessage, error)
}

// ApprovalStore queues actions awaiting the user's verdict.
// Implemented by storage.Store.
type ApprovalStore interface {
	SaveApproval(a storage.Approval) error
	GetApproval(id string) (storage.Approval, error)
	UpdateApprovalStatus(id, status string) error
}

// Clock abstracts time for approval expiry and slot search.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config wires the orchestrator's collaborators. Profiles, Prefs,
// Matcher, Drafter and the stores are required; Messenger, Mailer and
// Calendar may be nil when that channel is not deployed (dispatch to a
// nil channel reports it unreachable).
type Config struct {
	Profiles      ProfileDirectory
	Prefs         PreferenceSource
	Matcher       Matcher
	Drafter       Drafter
	Messenger     channel.Messenger
	Mailer        channel.Mailer
	Calendar      channel.Calendar
	Interactions  InteractionLog
	Conversations ConversationStore
	Approvals     ApprovalStore

	// RequireApprovalLog makes a failed log append abort a
	// pending-approval response instead of degrading to a warning.
	RequireApprovalLog bool
	// ApprovalTTL bounds how long a queued approval stays actionable.
	// Zero means the 24h default.
	ApprovalTTL time.Duration
	Clock       Clock
}

// Orchestrator ties matching, permissions and dispatch together. Safe
// for concurrent use; each invocation is independent.
type Orchestrator struct {
	cfg Config
}

// New creates an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = defaultApprovalTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	return &Orchestrator{cfg: cfg}
}

// HandlePersonDetected runs the detection pipeline: fetch both
// profiles, score, resolve send_message permission, then dispatch an
// introduction, queue it for approval, or suppress. eventContext
// (optional) names where the person was encountered and flows into the
// draft.
func (o *Orchestrator) HandlePersonDetected(ctx context.Context, userID, otherID, eventContext string) (Response, error) {
	user, other, err := o.fetchPair(ctx, userID, otherID)
	if err != nil {
		return Response{}, err
	}

	p, err := o.cfg.Prefs.Get(userID)
	if err != nil {
		return Response{}, err
	}

	match := o.cfg.Matcher.Match(user, other, p.Threshold)
	decision := permission.Resolve(permission.ActionSendMessage, match, p.Permissions)
	resp := Response{Action: permission.ActionSendMessage, Match: match}

	switch decision {
	case permission.DecisionSuppress:
		resp.Outcome = OutcomeSuppressed
		return resp, nil

	case permission.DecisionExecute:
		draft, err := o.cfg.Drafter.DraftIntroduction(ctx, user, other, match.Reason, eventContext)
		if err != nil {
			return Response{}, fmt.Errorf("drafting introduction for %s: %w", otherID, err)
		}
		return o.dispatchMessage(ctx, resp, userID, other, draft, nil)

	default:
		draft, err := o.cfg.Drafter.DraftIntroduction(ctx, user, other, match.Reason, eventContext)
		if err != nil {
			return Response{}, fmt.Errorf("drafting introduction for %s: %w", otherID, err)
		}
		return o.queueApproval(resp, userID, otherID, permission.ActionSendMessage, draft, match, map[string]any{
			"event_context": eventContext,
		})
	}
}

// HandleIncomingMessage appends the inbound message to the
// conversation, then runs the same matching and permission pipeline to
// decide whether a drafted reply goes out, waits for approval, or is
// suppressed. The inbound message is recorded in every case.
func (o *Orchestrator) HandleIncomingMessage(ctx context.Context, userID, senderID, text, conversationID string) (Response, error) {
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	inbound := storage.ConversationMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        text,
	}
	if err := o.cfg.Conversations.AppendConversationMessage(inbound); err != nil {
		return Response{}, fmt.Errorf("recording inbound message: %w", err)
	}

	user, sender, err := o.fetchPair(ctx, userID, senderID)
	if err != nil {
		return Response{}, err
	}

	p, err := o.cfg.Prefs.Get(userID)
	if err != nil {
		return Response{}, err
	}

	match := o.cfg.Matcher.Match(user, sender, p.Threshold)
	decision := permission.Resolve(permission.ActionSendMessage, match, p.Permissions)
	resp := Response{
		Action:         permission.ActionSendMessage,
		Match:          match,
		ConversationID: conversationID,
	}

	if decision == permission.DecisionSuppress {
		resp.Outcome = OutcomeSuppressed
		return resp, nil
	}

	history, err := o.cfg.Conversations.ConversationHistory(conversationID, historyLimit)
	if err != nil {
		return Response{}, fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}

	draft, err := o.cfg.Drafter.DraftReply(ctx, user, sender, history)
	if err != nil {
		return Response{}, fmt.Errorf("drafting reply to %s: %w", senderID, err)
	}

	if decision == permission.DecisionExecute {
		resp, err := o.dispatchMessage(ctx, resp, userID, sender, draft, func(receipt channel.SendReceipt) {
			outbound := storage.ConversationMessage{
				ID:             uuid.New().String(),
				ConversationID: conversationID,
				SenderID:       userID,
				Content:        draft,
			}
			if err := o.cfg.Conversations.AppendConversationMessage(outbound); err != nil {
				slog.Warn("recording outbound message failed", "conversation_id", conversationID, "error", err)
			}
		})
		return resp, err
	}

	return o.queueApproval(resp, userID, senderID, permission.ActionSendMessage, draft, match, map[string]any{
		"conversation_id": conversationID,
	})
}

// dispatchMessage picks the contact channel (phone first, then email),
// sends the draft, and logs the outcome. A target with no reachable
// channel yields OutcomeNoContact without error. A dispatch failure is
// logged and the typed channel error propagates. afterSend, if non-nil,
// runs after a successful dispatch and before the log append.
func (o *Orchestrator) dispatchMessage(ctx context.Context, resp Response, userID string, target profile.Profile, draft string, afterSend func(channel.SendReceipt)) (Response, error) {
	resp.Draft = draft

	var (
		receipt channel.SendReceipt
		err     error
	)
	switch {
	case target.HasPhone() && o.cfg.Messenger != nil:
		resp.Channel = "imessage"
		receipt, err = o.cfg.Messenger.Send(ctx, target.Contact.Phone, draft)
	case target.HasEmail() && o.cfg.Mailer != nil:
		resp.Channel = "email"
		receipt, err = o.cfg.Mailer.SendEmail(ctx, channel.Email{
			To:      target.Contact.Email,
			Subject: "Hello from " + userID,
			Body:    draft,
		})
	default:
		resp.Outcome = OutcomeNoContact
		return resp, nil
	}

	if err != nil {
		o.logInteraction(userID, target.UserID, resp.Action, "failed", map[string]any{
			"channel": resp.Channel,
			"error":   err.Error(),
		})
		return Response{}, fmt.Errorf("dispatching %s to %s: %w", resp.Action, target.UserID, err)
	}

	if afterSend != nil {
		afterSend(receipt)
	}

	resp.Outcome = OutcomeSent
	resp.MessageID = receipt.MessageID
	o.logInteraction(userID, target.UserID, resp.Action, string(OutcomeSent), map[string]any{
		"channel":    resp.Channel,
		"message_id": receipt.MessageID,
	})
	return resp, nil
}

// queueApproval stores the drafted action for the user's verdict and
// logs it as pending. Under RequireApprovalLog a failed log append
// aborts the response.
func (o *Orchestrator) queueApproval(resp Response, userID, otherID string, action permission.ActionType, draft string, match matching.Result, context map[string]any) (Response, error) {
	now := o.cfg.Clock.Now()
	approval := storage.Approval{
		ID:          uuid.New().String(),
		UserID:      userID,
		OtherUserID: otherID,
		ActionType:  string(action),
		Draft:       draft,
		MatchScore:  match.Score,
		MatchReason: match.Reason,
		Status:      storage.ApprovalPending,
		Context:     orJSON(context),
		CreatedAt:   now,
		ExpiresAt:   now.Add(o.cfg.ApprovalTTL),
	}
	if err := o.cfg.Approvals.SaveApproval(approval); err != nil {
		return Response{}, fmt.Errorf("queueing approval for %s: %w", otherID, err)
	}

	if err := o.appendLog(userID, otherID, action, "pending", map[string]any{
		"approval_id": approval.ID,
		"match_score": match.Score,
	}); err != nil {
		if o.cfg.RequireApprovalLog {
			return Response{}, fmt.Errorf("logging pending approval for %s: %w", otherID, err)
		}
		slog.Warn("interaction log append failed", "user_id", userID, "error", err)
	}

	resp.Outcome = OutcomePending
	resp.Draft = draft
	resp.ApprovalID = approval.ID
	return resp, nil
}

// fetchPair loads both profiles concurrently. Either side missing maps
// to ErrProfileNotFound wrapped with the offending id.
func (o *Orchestrator) fetchPair(ctx context.Context, userID, otherID string) (user, other profile.Profile, err error) {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		user, err = o.cfg.Profiles.Get(userID)
		return wrapProfileErr(userID, err)
	})
	g.Go(func() error {
		var err error
		other, err = o.cfg.Profiles.Get(otherID)
		return wrapProfileErr(otherID, err)
	})
	if err := g.Wait(); err != nil {
		return profile.Profile{}, profile.Profile{}, err
	}
	return user, other, nil
}

func wrapProfileErr(userID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
	}
	return fmt.Errorf("fetching profile %s: %w", userID, err)
}

// logInteraction is fire-and-forget: a failure is warned about, never
// propagated, so it cannot abort a dispatch that already happened.
func (o *Orchestrator) logInteraction(userID, otherID string, action permission.ActionType, outcome string, metadata map[string]any) {
	if err := o.appendLog(userID, otherID, action, outcome, metadata); err != nil {
		slog.Warn("interaction log append failed",
			"user_id", userID, "other_user_id", otherID, "outcome", outcome, "error", err)
	}
}

func (o *Orchestrator) appendLog(userID, otherID string, action permission.ActionType, outcome string, metadata map[string]any) error {
	return o.cfg.Interactions.AppendInteraction(storage.Interaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		OtherUserID: otherID,
		ActionType:  string(action),
		Outcome:     outcome,
		Metadata:    orJSON(metadata),
	})
}

// orJSON marshals metadata, degrading to "{}" rather than failing a
// log write over a bad metadata value.
func orJSON(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

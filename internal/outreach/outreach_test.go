package outreach

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/kindling-ai/kindred/internal/channel"
	"github.com/kindling-ai/kindred/internal/matching"
	"github.com/kindling-ai/kindred/internal/permission"
	"github.com/kindling-ai/kindred/internal/prefs"
	"github.com/kindling-ai/kindred/internal/profile"
	"github.com/kindling-ai/kindred/internal/storage"
)

type mockDirectory struct {
	profiles map[string]profile.Profile
}

func (m *mockDirectory) Get(userID string) (profile.Profile, error) {
	p, ok := m.profiles[userID]
	if !ok {
		return profile.Profile{}, storage.ErrNotFound
	}
	return p, nil
}

type mockPrefs struct {
	p   prefs.Preferences
	err error
}

func (m *mockPrefs) Get(userID string) (prefs.Preferences, error) {
	if m.err != nil {
		return prefs.Preferences{}, m.err
	}
	return m.p, nil
}

type mockDrafter struct {
	intro string
	reply string
	err   error
}

func (m *mockDrafter) DraftIntroduction(ctx context.Context, sender, target profile.Profile, matchReason, eventContext string) (string, error) {
	return m.intro, m.err
}

func (m *mockDrafter) DraftReply(ctx context.Context, sender, target profile.Profile, history []storage.ConversationMessage) (string, error) {
	return m.reply, m.err
}

type mockMessenger struct {
	sent      []string
	recipient string
	err       error
}

func (m *mockMessenger) Send(ctx context.Context, recipient, content string) (channel.SendReceipt, error) {
	if m.err != nil {
		return channel.SendReceipt{}, m.err
	}
	m.recipient = recipient
	m.sent = append(m.sent, content)
	return channel.SendReceipt{MessageID: fmt.Sprintf("msg-%d", len(m.sent))}, nil
}

type mockMailer struct {
	sent []channel.Email
	err  error
}

func (m *mockMailer) SendEmail(ctx context.Context, email channel.Email) (channel.SendReceipt, error) {
	if m.err != nil {
		return channel.SendReceipt{}, m.err
	}
	m.sent = append(m.sent, email)
	return channel.SendReceipt{MessageID: fmt.Sprintf("em-%d", len(m.sent))}, nil
}

type mockLog struct {
	entries []storage.Interaction
	err     error
}

func (m *mockLog) AppendInteraction(i storage.Interaction) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, i)
	return nil
}

type mockConversations struct {
	messages []storage.ConversationMessage
	err      error
}

func (m *mockConversations) AppendConversationMessage(msg storage.ConversationMessage) error {
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockConversations) ConversationHistory(conversationID string, limit int) ([]storage.ConversationMessage, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []storage.ConversationMessage
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

type mockApprovals struct {
	saved map[string]storage.Approval
	err   error
}

func (m *mockApprovals) SaveApproval(a storage.Approval) error {
	if m.err != nil {
		return m.err
	}
	if m.saved == nil {
		m.saved = make(map[string]storage.Approval)
	}
	m.saved[a.ID] = a
	return nil
}

func (m *mockApprovals) GetApproval(id string) (storage.Approval, error) {
	a, ok := m.saved[id]
	if !ok {
		return storage.Approval{}, storage.ErrNotFound
	}
	return a, nil
}

func (m *mockApprovals) UpdateApprovalStatus(id, status string) error {
	a, ok := m.saved[id]
	if !ok || a.Status != storage.ApprovalPending {
		return storage.ErrNotFound
	}
	a.Status = status
	m.saved[id] = a
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// fixture bundles the orchestrator with its mocks so tests can inspect
// side effects.
type fixture struct {
	orch          *Orchestrator
	directory     *mockDirectory
	prefs         *mockPrefs
	drafter       *mockDrafter
	messenger     *mockMessenger
	mailer        *mockMailer
	log           *mockLog
	conversations *mockConversations
	approvals     *mockApprovals
	clock         *fakeClock
}

func newFixture(t *testing.T, setting permission.Setting) *fixture {
	t.Helper()

	p := prefs.Defaults()
	for _, action := range permission.ActionTypes() {
		p.Permissions[action] = setting
	}

	f := &fixture{
		directory:     &mockDirectory{profiles: map[string]profile.Profile{}},
		prefs:         &mockPrefs{p: p},
		drafter:       &mockDrafter{intro: "hi, we should talk", reply: "sounds great"},
		messenger:     &mockMessenger{},
		mailer:        &mockMailer{},
		log:           &mockLog{},
		conversations: &mockConversations{},
		approvals:     &mockApprovals{},
		clock:         &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.orch = New(Config{
		Profiles:      f.directory,
		Prefs:         f.prefs,
		Matcher:       matching.NewEngine(nil),
		Drafter:       f.drafter,
		Messenger:     f.messenger,
		Mailer:        f.mailer,
		Interactions:  f.log,
		Conversations: f.conversations,
		Approvals:     f.approvals,
		Clock:         f.clock,
	})
	return f
}

// The two profiles from the documented 63.33% example: shared interests
// {ai, networking}, same industry, seniority one level apart, disjoint
// goals.
func seedModerateMatch(f *fixture) {
	f.directory.profiles["u1"] = profile.Profile{
		UserID:    "u1",
		Name:      "Sam",
		Interests: []string{"AI", "networking", "startups"},
		Industry:  "Technology",
		Seniority: "mid",
		Goals:     []string{"fundraising"},
		Contact:   profile.Contact{Phone: "+15550001"},
	}
	f.directory.profiles["u2"] = profile.Profile{
		UserID:    "u2",
		Name:      "Riley",
		Interests: []string{"AI", "networking", "product"},
		Industry:  "Technology",
		Seniority: "senior",
		Goals:     []string{"hiring"},
		Contact:   profile.Contact{Phone: "+15550002"},
	}
}

func seedIdenticalMatch(f *fixture) {
	p := profile.Profile{
		UserID:    "u1",
		Name:      "Sam",
		Interests: []string{"AI", "networking"},
		Industry:  "Technology",
		Seniority: "mid",
		Goals:     []string{"hiring"},
		Contact:   profile.Contact{Phone: "+15550001"},
	}
	f.directory.profiles["u1"] = p
	p.UserID = "u2"
	p.Contact.Phone = "+15550002"
	f.directory.profiles["u2"] = p
}

func TestHandlePersonDetected_ModerateMatchWithAutoHighAsksForApproval(t *testing.T) {
	f := newFixture(t, permission.SettingAutoHighMatch)
	seedModerateMatch(f)

	resp, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", "tech meetup")
	if err != nil {
		t.Fatalf("HandlePersonDetected: %v", err)
	}

	if resp.Outcome != OutcomePending {
		t.Errorf("outcome = %s, want pending_approval", resp.Outcome)
	}
	if math.Abs(resp.Match.Score-0.6333) > 0.001 {
		t.Errorf("score = %v, want ~0.6333", resp.Match.Score)
	}
	if resp.Match.IsHighMatch {
		t.Error("0.63 must not be a high match at the default threshold")
	}
	if len(f.messenger.sent) != 0 || len(f.mailer.sent) != 0 {
		t.Error("no dispatch may happen on a pending approval")
	}
	if resp.ApprovalID == "" || resp.Draft == "" {
		t.Errorf("response missing approval id or draft: %+v", resp)
	}
	if a := f.approvals.saved[resp.ApprovalID]; a.Status != storage.ApprovalPending {
		t.Errorf("approval status = %q", a.Status)
	}
	if len(f.log.entries) != 1 || f.log.entries[0].Outcome != "pending" {
		t.Errorf("log entries = %+v, want one pending entry", f.log.entries)
	}
}

func TestHandlePersonDetected_AlwaysAutoDispatches(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAuto)
	seedIdenticalMatch(f)

	resp, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", "")
	if err != nil {
		t.Fatalf("HandlePersonDetected: %v", err)
	}

	if resp.Outcome != OutcomeSent {
		t.Fatalf("outcome = %s, want sent", resp.Outcome)
	}
	if resp.Match.Score != 1.0 {
		t.Errorf("identical profiles score = %v, want 1.0", resp.Match.Score)
	}
	if resp.MessageID != "msg-1" {
		t.Errorf("message id = %q, want the channel's id", resp.MessageID)
	}
	if resp.Channel != "imessage" {
		t.Errorf("channel = %q", resp.Channel)
	}
	if f.messenger.recipient != "+15550002" {
		t.Errorf("recipient = %q", f.messenger.recipient)
	}
	if len(f.log.entries) != 1 || f.log.entries[0].Outcome != "sent" {
		t.Errorf("log entries = %+v, want one sent entry", f.log.entries)
	}
}

func TestHandlePersonDetected_NeverSuppressesWithoutLog(t *testing.T) {
	f := newFixture(t, permission.SettingNever)
	seedIdenticalMatch(f)

	resp, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", "")
	if err != nil {
		t.Fatalf("HandlePersonDetected: %v", err)
	}
	if resp.Outcome != OutcomeSuppressed {
		t.Errorf("outcome = %s, want suppressed", resp.Outcome)
	}
	if len(f.messenger.sent) != 0 || len(f.log.entries) != 0 {
		t.Error("suppression must not dispatch or log")
	}
}

func TestHandlePersonDetected_MissingProfile(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAuto)
	f.directory.profiles["u1"] = profile.Profile{UserID: "u1"}

	_, err := f.orch.HandlePersonDetected(context.Background(), "u1", "ghost", "")
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestHandlePersonDetected_EmailFallbackWhenNoPhone(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAuto)
	seedIdenticalMatch(f)
	p := f.directory.profiles["u2"]
	p.Contact = profile.Contact{Email: "riley@example.com"}
	f.directory.profiles["u2"] = p

	resp, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", "")
	if err != nil {
		t.Fatalf("HandlePersonDetected: %v", err)
	}
	if resp.Channel != "email" {
		t.Errorf("channel = %q, want email", resp.Channel)
	}
	if len(f.mailer.sent) != 1 || f.mailer.sent[0].To != "riley@example.com" {
		t.Errorf("mailer calls = %+v", f.mailer.sent)
	}
}

func TestHandlePersonDetected_NoContactMethod(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAuto)
	seedIdenticalMatch(f)
	p := f.directory.profiles["u2"]
	p.Contact = profile.Contact{}
	f.directory.profiles["u2"] = p

	resp, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", "")
	if err != nil {
		t.Fatalf("no contact method must not be an error, got %v", err)
	}
	if resp.Outcome != OutcomeNoContact {
		t.Errorf("outcome = %s, want no_contact", resp.Outcome)
	}
	if len(f.messenger.sent) != 0 && len(f.mailer.sent) != 0 {
		t.Error("nothing should be dispatched")
	}
}

func TestHandlePersonDetected_DispatchFailureLogsAndPropagates(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAuto)
	seedIdenticalMatch(f)
	f.messenger.err = &channel.SendError{Channel: "imessage", Status: 500, Detail: "bridge panic"}

	_, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", "")
	if !channel.IsSendError(err) {
		t.Fatalf("expected the typed channel error to propagate, got %v", err)
	}
	if len(f.log.entries) != 1 || f.log.entries[0].Outcome != "failed" {
		t.Errorf("log entries = %+v, want one failed entry", f.log.entries)
	}
}

func TestHandlePersonDetected_LogFailureNeverAbortsDispatch(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAuto)
	seedIdenticalMatch(f)
	f.log.err = errors.New("log store down")

	resp, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", "")
	if err != nil {
		t.Fatalf("log failure after dispatch must not surface: %v", err)
	}
	if resp.Outcome != OutcomeSent {
		t.Errorf("outcome = %s, want sent", resp.Outcome)
	}
}

func TestHandlePersonDetected_RequireApprovalLog(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAsk)
	seedIdenticalMatch(f)
	f.log.err = errors.New("log store down")

	// Default policy: warn and return the pending response.
	resp, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", "")
	if err != nil {
		t.Fatalf("optional approval log must not abort: %v", err)
	}
	if resp.Outcome != OutcomePending {
		t.Errorf("outcome = %s, want pending_approval", resp.Outcome)
	}

	// Mandatory policy: abort.
	f.orch.cfg.RequireApprovalLog = true
	if _, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", ""); err == nil {
		t.Fatal("mandatory approval log must abort on failure")
	}
}

func TestHandleIncomingMessage_RecordsInboundAndReplies(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAuto)
	seedIdenticalMatch(f)

	resp, err := f.orch.HandleIncomingMessage(context.Background(), "u1", "u2", "hey, was great meeting you", "conv-1")
	if err != nil {
		t.Fatalf("HandleIncomingMessage: %v", err)
	}

	if resp.Outcome != OutcomeSent {
		t.Errorf("outcome = %s, want sent", resp.Outcome)
	}
	if resp.ConversationID != "conv-1" {
		t.Errorf("conversation id = %q", resp.ConversationID)
	}
	if len(f.messenger.sent) != 1 || f.messenger.sent[0] != "sounds great" {
		t.Errorf("dispatched = %v", f.messenger.sent)
	}

	// Both the inbound and the drafted outbound are in the history.
	history, _ := f.conversations.ConversationHistory("conv-1", 50)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].SenderID != "u2" || history[1].SenderID != "u1" {
		t.Errorf("history senders = %s, %s", history[0].SenderID, history[1].SenderID)
	}
}

func TestHandleIncomingMessage_SuppressedStillRecordsInbound(t *testing.T) {
	f := newFixture(t, permission.SettingNever)
	seedIdenticalMatch(f)

	resp, err := f.orch.HandleIncomingMessage(context.Background(), "u1", "u2", "hello?", "conv-1")
	if err != nil {
		t.Fatalf("HandleIncomingMessage: %v", err)
	}
	if resp.Outcome != OutcomeSuppressed {
		t.Errorf("outcome = %s, want suppressed", resp.Outcome)
	}
	if len(f.conversations.messages) != 1 {
		t.Errorf("inbound message must be recorded even when suppressed")
	}
}

func TestHandleIncomingMessage_GeneratesConversationID(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAsk)
	seedIdenticalMatch(f)

	resp, err := f.orch.HandleIncomingMessage(context.Background(), "u1", "u2", "hi", "")
	if err != nil {
		t.Fatalf("HandleIncomingMessage: %v", err)
	}
	if resp.ConversationID == "" {
		t.Error("a conversation id must be assigned when none is given")
	}
}

func TestResolveApproval_ApproveDispatchesStoredDraft(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAsk)
	seedIdenticalMatch(f)

	queued, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", "")
	if err != nil {
		t.Fatalf("HandlePersonDetected: %v", err)
	}

	resp, err := f.orch.ResolveApproval(context.Background(), queued.ApprovalID, true)
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if resp.Outcome != OutcomeSent {
		t.Errorf("outcome = %s, want sent", resp.Outcome)
	}
	if len(f.messenger.sent) != 1 || f.messenger.sent[0] != queued.Draft {
		t.Errorf("dispatched %v, want the stored draft %q", f.messenger.sent, queued.Draft)
	}
	if f.approvals.saved[queued.ApprovalID].Status != storage.ApprovalApproved {
		t.Errorf("approval status = %q", f.approvals.saved[queued.ApprovalID].Status)
	}
}

func TestResolveApproval_Decline(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAsk)
	seedIdenticalMatch(f)

	queued, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", "")
	if err != nil {
		t.Fatalf("HandlePersonDetected: %v", err)
	}

	resp, err := f.orch.ResolveApproval(context.Background(), queued.ApprovalID, false)
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if resp.Outcome != OutcomeDeclined {
		t.Errorf("outcome = %s, want declined", resp.Outcome)
	}
	if len(f.messenger.sent) != 0 {
		t.Error("declined approval must not dispatch")
	}
}

func TestResolveApproval_DoubleResolutionFails(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAsk)
	seedIdenticalMatch(f)

	queued, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", "")
	if err != nil {
		t.Fatalf("HandlePersonDetected: %v", err)
	}
	if _, err := f.orch.ResolveApproval(context.Background(), queued.ApprovalID, false); err != nil {
		t.Fatalf("first resolution: %v", err)
	}
	if _, err := f.orch.ResolveApproval(context.Background(), queued.ApprovalID, true); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second resolution should fail with ErrNotFound, got %v", err)
	}
}

func TestResolveApproval_Expired(t *testing.T) {
	f := newFixture(t, permission.SettingAlwaysAsk)
	seedIdenticalMatch(f)

	queued, err := f.orch.HandlePersonDetected(context.Background(), "u1", "u2", "")
	if err != nil {
		t.Fatalf("HandlePersonDetected: %v", err)
	}

	f.clock.now = f.clock.now.Add(48 * time.Hour)
	if _, err := f.orch.ResolveApproval(context.Background(), queued.ApprovalID, true); !errors.Is(err, ErrApprovalExpired) {
		t.Fatalf("expected ErrApprovalExpired, got %v", err)
	}
	if f.approvals.saved[queued.ApprovalID].Status != storage.ApprovalExpired {
		t.Errorf("approval status = %q, want expired", f.approvals.saved[queued.ApprovalID].Status)
	}
	if len(f.messenger.sent) != 0 {
		t.Error("expired approval must not dispatch")
	}
}

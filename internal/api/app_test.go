package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kindling-ai/kindred/internal/outreach"
	"github.com/kindling-ai/kindred/internal/prefs"
	"github.com/kindling-ai/kindred/internal/profile"
	"github.com/kindling-ai/kindred/internal/storage"
)

const testToken = "test-token"

// --- mocks ---

type mockOutreach struct {
	resp outreach.Response
	err  error

	detectedUser  string
	detectedOther string
	messageText   string
	approvalID    string
	approved      bool
}

func (m *mockOutreach) HandlePersonDetected(_ context.Context, userID, otherID, _ string) (outreach.Response, error) {
	m.detectedUser = userID
	m.detectedOther = otherID
	return m.resp, m.err
}

func (m *mockOutreach) HandleIncomingMessage(_ context.Context, _, _, text, _ string) (outreach.Response, error) {
	m.messageText = text
	return m.resp, m.err
}

func (m *mockOutreach) ResolveApproval(_ context.Context, approvalID string, approve bool) (outreach.Response, error) {
	m.approvalID = approvalID
	m.approved = approve
	return m.resp, m.err
}

func (m *mockOutreach) ProposeMeeting(_ context.Context, _, _ string, _, _ time.Time, _ time.Duration) (outreach.Response, error) {
	return m.resp, m.err
}

// --- helpers ---

func setupAppHandler(t *testing.T) (http.Handler, *storage.Store, *mockOutreach) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	handler := &mockOutreach{resp: outreach.Response{Outcome: outreach.OutcomeSent}}
	h := NewAppHandler(AppDeps{
		Store:     store,
		Directory: profile.NewDirectory(store),
		Prefs:     prefs.NewManager(store),
		Outreach:  handler,
		Token:     testToken,
	})
	return h, store, handler
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// --- tests ---

func TestAuth_MissingToken(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := do(t, h, authReq(http.MethodGet, "/profiles", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("parsing error body: %v", err)
	}
	if envelope.Error.Type != "authentication_error" {
		t.Errorf("error type = %q", envelope.Error.Type)
	}
}

func TestAuth_WrongToken(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := do(t, h, authReq(http.MethodGet, "/profiles", "", "wrong"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := do(t, h, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("unexpected body: %s", rr.Body.String())
	}
}

func TestDetection(t *testing.T) {
	h, _, mock := setupAppHandler(t)
	mock.resp = outreach.Response{Outcome: outreach.OutcomeSent, Channel: "imessage", MessageID: "msg-1"}

	body := `{"user_id":"u1","other_user_id":"u2","context":"conference"}`
	rr := do(t, h, authReq(http.MethodPost, "/detections", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp outreach.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp.Outcome != outreach.OutcomeSent {
		t.Errorf("outcome = %q", resp.Outcome)
	}
	if mock.detectedUser != "u1" || mock.detectedOther != "u2" {
		t.Errorf("orchestrator got (%q, %q)", mock.detectedUser, mock.detectedOther)
	}
}

func TestDetection_MissingFields(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := do(t, h, authReq(http.MethodPost, "/detections", `{"user_id":"u1"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestDetection_ProfileNotFound(t *testing.T) {
	h, _, mock := setupAppHandler(t)
	mock.err = outreach.ErrProfileNotFound

	body := `{"user_id":"u1","other_user_id":"ghost"}`
	rr := do(t, h, authReq(http.MethodPost, "/detections", body, testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestMessage(t *testing.T) {
	h, _, mock := setupAppHandler(t)
	mock.resp = outreach.Response{Outcome: outreach.OutcomeSent, ConversationID: "conv-1"}

	body := `{"user_id":"u1","sender_id":"u2","text":"hey","conversation_id":"conv-1"}`
	rr := do(t, h, authReq(http.MethodPost, "/messages", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if mock.messageText != "hey" {
		t.Errorf("orchestrator got text %q", mock.messageText)
	}
}

func TestMessage_MissingText(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := do(t, h, authReq(http.MethodPost, "/messages", `{"user_id":"u1","sender_id":"u2"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestProfiles_CRUD(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	put := `{"name":"Alice","industry":"Technology","role":"engineer","seniority":"senior","interests":["AI"],"contact":{"email":"alice@example.com"}}`
	rr := do(t, h, authReq(http.MethodPut, "/profiles/alice", put, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, authReq(http.MethodGet, "/profiles/alice", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET: expected 200, got %d", rr.Code)
	}
	var p profile.Profile
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("parsing profile: %v", err)
	}
	if p.UserID != "alice" || p.Name != "Alice" || p.Contact.Email != "alice@example.com" {
		t.Errorf("unexpected profile: %+v", p)
	}

	rr = do(t, h, authReq(http.MethodGet, "/profiles", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("LIST: expected 200, got %d", rr.Code)
	}
	var list []profile.Profile
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("parsing list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(list))
	}

	rr = do(t, h, authReq(http.MethodDelete, "/profiles/alice", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("DELETE: expected 200, got %d", rr.Code)
	}
	rr = do(t, h, authReq(http.MethodGet, "/profiles/alice", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("GET after delete: expected 404, got %d", rr.Code)
	}
}

func TestProfiles_GetMissing(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := do(t, h, authReq(http.MethodGet, "/profiles/nobody", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestPreferences_DefaultsAndPatch(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := do(t, h, authReq(http.MethodGet, "/preferences/u1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET: expected 200, got %d", rr.Code)
	}
	var p prefs.Preferences
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("parsing preferences: %v", err)
	}
	if p.Threshold != 0.75 {
		t.Errorf("default threshold = %v, want 0.75", p.Threshold)
	}

	patch := `{"threshold":0.85,"permissions":{"send_message":"always_auto"}}`
	rr = do(t, h, authReq(http.MethodPatch, "/preferences/u1", patch, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("PATCH: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("parsing patched preferences: %v", err)
	}
	if p.Threshold != 0.85 {
		t.Errorf("threshold = %v, want 0.85", p.Threshold)
	}
	if p.Permissions["send_message"] != "always_auto" {
		t.Errorf("send_message = %q", p.Permissions["send_message"])
	}
}

func TestPreferences_InvalidSetting(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := do(t, h, authReq(http.MethodPatch, "/preferences/u1", `{"permissions":{"send_message":"maybe"}}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	rr = do(t, h, authReq(http.MethodPatch, "/preferences/u1", `{"threshold":1.5}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range threshold, got %d", rr.Code)
	}
}

func TestInteractions_ListAndGet(t *testing.T) {
	h, store, _ := setupAppHandler(t)

	for _, ix := range []storage.Interaction{
		{ID: "i1", UserID: "u1", OtherUserID: "u2", ActionType: "send_message", Outcome: "sent"},
		{ID: "i2", UserID: "u9", OtherUserID: "u2", ActionType: "send_email", Outcome: "failed"},
	} {
		if err := store.AppendInteraction(ix); err != nil {
			t.Fatalf("seeding interaction: %v", err)
		}
	}

	rr := do(t, h, authReq(http.MethodGet, "/interactions?user_id=u1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("LIST: expected 200, got %d", rr.Code)
	}
	var list []struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("parsing list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "i1" {
		t.Fatalf("expected only u1's interaction, got %+v", list)
	}

	rr = do(t, h, authReq(http.MethodGet, "/interactions/i2", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET: expected 200, got %d", rr.Code)
	}
	rr = do(t, h, authReq(http.MethodGet, "/interactions/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("GET missing: expected 404, got %d", rr.Code)
	}
}

func TestApprovals_ListAndResolve(t *testing.T) {
	h, store, mock := setupAppHandler(t)

	approval := storage.Approval{
		ID:          "ap-1",
		UserID:      "u1",
		OtherUserID: "u2",
		ActionType:  "send_message",
		Draft:       "Hi there",
		Status:      storage.ApprovalPending,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.SaveApproval(approval); err != nil {
		t.Fatalf("seeding approval: %v", err)
	}

	rr := do(t, h, authReq(http.MethodGet, "/approvals?user_id=u1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("LIST: expected 200, got %d", rr.Code)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("parsing list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(list))
	}

	mock.resp = outreach.Response{Outcome: outreach.OutcomeSent, ApprovalID: "ap-1"}
	rr = do(t, h, authReq(http.MethodPost, "/approvals/ap-1/approve", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if mock.approvalID != "ap-1" || !mock.approved {
		t.Errorf("orchestrator got (%q, %v)", mock.approvalID, mock.approved)
	}

	mock.resp = outreach.Response{Outcome: outreach.OutcomeDeclined, ApprovalID: "ap-1"}
	rr = do(t, h, authReq(http.MethodPost, "/approvals/ap-1/decline", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("decline: expected 200, got %d", rr.Code)
	}
	if mock.approved {
		t.Error("decline must pass approve=false")
	}
}

func TestApprovals_ResolveExpired(t *testing.T) {
	h, _, mock := setupAppHandler(t)
	mock.err = outreach.ErrApprovalExpired

	rr := do(t, h, authReq(http.MethodPost, "/approvals/ap-1/approve", "", testToken))
	if rr.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rr.Code)
	}
}

func TestProposeMeeting(t *testing.T) {
	h, _, mock := setupAppHandler(t)
	mock.resp = outreach.Response{Outcome: outreach.OutcomeScheduled, Channel: "calendar"}

	body := `{"user_id":"u1","other_user_id":"u2","window_start":"2026-03-02T09:00:00Z","window_end":"2026-03-02T17:00:00Z"}`
	rr := do(t, h, authReq(http.MethodPost, "/meetings/propose", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp outreach.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp.Outcome != outreach.OutcomeScheduled {
		t.Errorf("outcome = %q", resp.Outcome)
	}
}

func TestImportContact(t *testing.T) {
	h, store, _ := setupAppHandler(t)

	body := `{"source":"text","value":"Alice is a senior engineer at Acme."}`
	rr := do(t, h, authReq(http.MethodPost, "/contacts/import", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Errorf("unexpected response: %v", resp)
	}

	job, err := store.ClaimNextJob([]string{"import_contact"})
	if err != nil {
		t.Fatalf("claiming job: %v", err)
	}
	if job == nil {
		t.Fatal("expected a queued import job")
	}
	if job.ID != resp["id"] {
		t.Errorf("job ID = %q, want %q", job.ID, resp["id"])
	}
}

func TestImportContact_UnknownSource(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := do(t, h, authReq(http.MethodPost, "/contacts/import", `{"source":"carrier_pigeon","value":"x"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
// Callers must be able to tell "no such record" from a query failure,
// so it is never folded into a zero-value return.
var ErrNotFound = errors.New("not found")

// ProfileRecord is a contact directory row. Interests, Goals and
// Contact are JSON stored as text.
type ProfileRecord struct {
	UserID    string
	Name      string
	Industry  string
	Role      string
	Seniority string
	Interests string // JSON array
	Goals     string // JSON array
	Contact   string // JSON object {phone, email}
	UpdatedAt time.Time
}

// PreferenceRecord holds one user's autonomy preferences. Permissions
// is a JSON object mapping action type to permission setting.
type PreferenceRecord struct {
	UserID      string
	Threshold   float64
	Permissions string // JSON object
	UpdatedAt   time.Time
}

// Interaction is one interaction-log entry: what the assistant did (or
// proposed) for a user toward another person, and how it came out.
type Interaction struct {
	ID          string
	UserID      string
	OtherUserID string
	ActionType  string
	Outcome     string
	Metadata    string // JSON object
	CreatedAt   time.Time
}

// ConversationMessage is one message in a conversation history.
type ConversationMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Metadata       string // JSON object
	CreatedAt      time.Time
}

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDeclined = "declined"
	ApprovalExpired  = "expired"
)

// Approval is a queued action awaiting the user's verdict. Draft holds
// the composed content that will be dispatched on approval.
type Approval struct {
	ID          string
	UserID      string
	OtherUserID string
	ActionType  string
	Draft       string
	MatchScore  float64
	MatchReason string
	Status      string
	Context     string // JSON object
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Job is a queued background task (contact imports).
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

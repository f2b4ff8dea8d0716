// Package channel holds the outbound delivery clients: the iMessage
// bridge and the Gmail/Calendar bridge. Both are thin HTTP clients; the
// interesting part is the error contract. A transport failure (bridge
// unreachable, timeout) is a *ConnectError; a rejection by a reachable
// bridge is a *SendError carrying the remote detail. Callers must be
// able to tell the two apart, and neither is ever collapsed into an
// empty success.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds a single bridge call unless the caller's
// context is tighter.
const DefaultTimeout = 10 * time.Second

// SendReceipt identifies a dispatched message, email, or event on the
// remote side.
type SendReceipt struct {
	MessageID string `json:"message_id"`
}

// Messenger sends a text message to a recipient (phone number or
// handle). Implemented by IMessageClient.
type Messenger interface {
	Send(ctx context.Context, recipient, content string) (SendReceipt, error)
}

// Email is an outbound email.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Mailer sends email. Implemented by GmailClient.
type Mailer interface {
	SendEmail(ctx context.Context, email Email) (SendReceipt, error)
}

// Event is a calendar event to create.
type Event struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Attendees   []string  `json:"attendees"`
}

// Interval is a busy window on a calendar.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Calendar creates events and reports busy windows. Implemented by
// GmailClient.
type Calendar interface {
	CreateEvent(ctx context.Context, event Event) (SendReceipt, error)
	BusyTimes(ctx context.Context, from, to time.Time) ([]Interval, error)
}

// ConnectError means the channel could not be reached at all: dial
// failure, timeout, or a dead bridge. Retrying is the caller's call;
// nothing was dispatched.
type ConnectError struct {
	Channel string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s channel unreachable: %v", e.Channel, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError means the channel was reachable but rejected the send.
// Status and Detail carry the remote response for the caller to
// surface.
type SendError struct {
	Channel string
	Status  int
	Detail  string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s channel rejected send (status %d): %s", e.Channel, e.Status, e.Detail)
}

// IsConnectError reports whether err is (or wraps) a ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// IsSendError reports whether err is (or wraps) a SendError.
func IsSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}

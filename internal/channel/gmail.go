package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GmailClient talks to the Gmail/Calendar bridge over HTTP. One bridge
// serves both email dispatch and calendar operations.
type GmailClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGmailClient creates a client for the bridge at baseURL.
func NewGmailClient(baseURL string) *GmailClient {
	return &GmailClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

type bridgeResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	EventID   string `json:"event_id"`
	Error     string `json:"error"`
}

// SendEmail dispatches an email through the bridge.
func (c *GmailClient) SendEmail(ctx context.Context, email Email) (SendReceipt, error) {
	result, err := c.post(ctx, "/email/send", email)
	if err != nil {
		return SendReceipt{}, err
	}
	return SendReceipt{MessageID: result.MessageID}, nil
}

// CreateEvent creates a calendar event. The returned receipt carries
// the remote event id.
func (c *GmailClient) CreateEvent(ctx context.Context, event Event) (SendReceipt, error) {
	result, err := c.post(ctx, "/calendar/events", event)
	if err != nil {
		return SendReceipt{}, err
	}
	return SendReceipt{MessageID: result.EventID}, nil
}

type busyResponse struct {
	Busy []Interval `json:"busy"`
}

// BusyTimes returns the calendar's busy windows between from and to.
func (c *GmailClient) BusyTimes(ctx context.Context, from, to time.Time) ([]Interval, error) {
	query := url.Values{}
	query.Set("start", from.UTC().Format(time.RFC3339))
	query.Set("end", to.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/calendar/busy?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating busy-times request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectError{Channel: "calendar", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &SendError{
			Channel: "calendar",
			Status:  resp.StatusCode,
			Detail:  strings.TrimSpace(string(detail)),
		}
	}

	var result busyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding busy-times response: %w", err)
	}
	if result.Busy == nil {
		return []Interval{}, nil
	}
	return result.Busy, nil
}

func (c *GmailClient) post(ctx context.Context, path string, payload any) (bridgeResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return bridgeResponse{}, fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return bridgeResponse{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return bridgeResponse{}, &ConnectError{Channel: "gmail", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return bridgeResponse{}, &SendError{
			Channel: "gmail",
			Status:  resp.StatusCode,
			Detail:  strings.TrimSpace(string(detail)),
		}
	}

	var result bridgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return bridgeResponse{}, fmt.Errorf("decoding response: %w", err)
	}
	if !result.Success {
		return bridgeResponse{}, &SendError{
			Channel: "gmail",
			Status:  resp.StatusCode,
			Detail:  result.Error,
		}
	}
	return result, nil
}

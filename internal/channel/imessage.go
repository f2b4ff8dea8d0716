package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// IMessageClient talks to a local iMessage bridge over HTTP.
type IMessageClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewIMessageClient creates a client for the bridge at baseURL.
func NewIMessageClient(baseURL string) *IMessageClient {
	return &IMessageClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

type imessageSendRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

type imessageSendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send delivers a text message through the bridge. A transport failure
// returns *ConnectError; a rejection returns *SendError.
func (c *IMessageClient) Send(ctx context.Context, recipient, content string) (SendReceipt, error) {
	body, err := json.Marshal(imessageSendRequest{Recipient: recipient, Message: content})
	if err != nil {
		return SendReceipt{}, fmt.Errorf("marshalling send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return SendReceipt{}, fmt.Errorf("creating send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendReceipt{}, &ConnectError{Channel: "imessage", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return SendReceipt{}, &SendError{
			Channel: "imessage",
			Status:  resp.StatusCode,
			Detail:  strings.TrimSpace(string(detail)),
		}
	}

	var result imessageSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return SendReceipt{}, fmt.Errorf("decoding send response: %w", err)
	}
	if !result.Success {
		return SendReceipt{}, &SendError{
			Channel: "imessage",
			Status:  resp.StatusCode,
			Detail:  result.Error,
		}
	}

	return SendReceipt{MessageID: result.MessageID}, nil
}

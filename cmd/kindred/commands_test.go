package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestDetectRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /detections": `{"outcome":"sent","channel":"imessage","draft":"Hi Sarah!","match":{"score":0.82,"is_high_match":true,"reason":"shared interests"}}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/detections", map[string]any{
		"user_id":       "me",
		"other_user_id": "sarah",
		"context":       "conference",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Outcome string `json:"outcome"`
		Match   struct {
			Score float64 `json:"score"`
		} `json:"match"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.Outcome != "sent" {
		t.Errorf("outcome = %q, want sent", result.Outcome)
	}
	if result.Match.Score != 0.82 {
		t.Errorf("score = %v", result.Match.Score)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["other_user_id"] != "sarah" {
		t.Errorf("body.other_user_id = %v", body["other_user_id"])
	}
	if body["context"] != "conference" {
		t.Errorf("body.context = %v", body["context"])
	}
}

func TestApprovalResolveRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /approvals/ap-1/approve": `{"outcome":"sent","channel":"email"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/approvals/ap-1/approve", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["outcome"] != "sent" {
		t.Errorf("outcome = %q", result["outcome"])
	}

	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/approvals/ap-1/approve" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Body != "" {
		t.Errorf("approve must send an empty body, got %q", r.Body)
	}
}

func TestPreferencesPatchRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /preferences/me": `{"threshold":0.85,"permissions":{"send_message":"auto_high_match"}}`,
	})

	client := ts.client()
	resp, err := client.patch(ctx, "/preferences/me", map[string]any{
		"permissions": map[string]string{"send_message": "auto_high_match"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	r := ts.requests[0]
	if r.Method != "PATCH" {
		t.Errorf("method = %q", r.Method)
	}
	if !strings.Contains(r.Body, "auto_high_match") {
		t.Errorf("body = %q", r.Body)
	}
}

func TestDecodeJSON_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	client := ts.client()
	resp, err := client.get(ctx, "/profiles/ghost")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var out any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want status code in message", err)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want server message included", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	client := &apiClient{
		baseURL:    "http://127.0.0.1:1",
		token:      "t",
		httpClient: http.DefaultClient,
	}

	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for unreachable server")
	}
	if !strings.Contains(err.Error(), "is kindred running") {
		t.Errorf("error = %v, want hint about the server", err)
	}
}

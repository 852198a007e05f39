package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"OpenLend-Chain/internal/auth"
	"OpenLend-Chain/internal/message"
)

func newTestServer(t *testing.T, authSvc *auth.Service) (*httptest.Server, *message.Service) {
	t.Helper()
	store := message.NewMemoryStore()
	queue := message.NewMemoryQueue(16)
	svc := message.NewService(store, queue, 3)
	t.Cleanup(func() { _ = svc.Close() })

	server := httptest.NewServer(NewServer("", svc, authSvc).Handler())
	t.Cleanup(server.Close)
	return server, svc
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestSubmitAndGetMessage(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp := postJSON(t, server.URL+"/api/v1/messages", map[string]any{
		"user_id": "alice",
		"address": "0x00000000000000000000000000000000000000a1",
		"text":    "supply 1 WETH",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var created message.Message
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" || created.Status != message.StatusPending {
		t.Fatalf("unexpected message: %+v", created)
	}

	getResp, err := http.Get(server.URL + "/api/v1/messages/" + created.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
	var fetched message.Message
	if err := json.NewDecoder(getResp.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if fetched.ID != created.ID || fetched.Text != "supply 1 WETH" {
		t.Fatalf("unexpected message: %+v", fetched)
	}
}

func TestSubmitRejectsEmptyText(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp := postJSON(t, server.URL+"/api/v1/messages", map[string]any{"user_id": "alice"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetUnknownMessage(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/api/v1/messages/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListAndStatsFilters(t *testing.T) {
	server, svc := newTestServer(t, nil)
	ctx := context.Background()

	for _, text := range []string{"supply 1 WETH", "borrow 50 USDC"} {
		if _, err := svc.Submit(ctx, message.SubmitRequest{UserID: "alice", Text: text}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if _, err := svc.Submit(ctx, message.SubmitRequest{UserID: "bob", Text: "repay all DAI"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	resp, err := http.Get(server.URL + "/api/v1/messages?user_id=alice&status=pending")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var listBody struct {
		Messages []*message.Message `json:"messages"`
		Count    int                `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listBody.Count != 2 {
		t.Fatalf("expected 2 messages for alice, got %d", listBody.Count)
	}

	statsResp, err := http.Get(server.URL + "/api/v1/messages/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer statsResp.Body.Close()
	var stats message.MessageStats
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	badResp, err := http.Get(server.URL + "/api/v1/messages?status=bogus")
	if err != nil {
		t.Fatalf("list with bad status: %v", err)
	}
	defer badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status, got %d", badResp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestJWTProtectedEndpoints(t *testing.T) {
	seeds := []auth.Seed{{
		Username:    "operator",
		Password:    "s3cret",
		Roles:       []string{"operator"},
		Permissions: []string{"messages:read", "messages:write"},
	}}
	store, err := auth.NewMemoryStore(seeds)
	if err != nil {
		t.Fatalf("create auth store: %v", err)
	}
	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "unit-test-secret"},
	}, store)
	if err != nil {
		t.Fatalf("create auth service: %v", err)
	}

	server, _ := newTestServer(t, authSvc)

	// 未携带令牌的请求必须被拒绝。
	resp := postJSON(t, server.URL+"/api/v1/messages", map[string]any{"user_id": "alice", "text": "hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	tokenResp := postJSON(t, server.URL+"/api/v1/auth/token", auth.TokenRequest{
		Username: "operator",
		Password: "s3cret",
	})
	defer tokenResp.Body.Close()
	if tokenResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for token issuance, got %d", tokenResp.StatusCode)
	}
	var pair auth.TokenPair
	if err := json.NewDecoder(tokenResp.Body).Decode(&pair); err != nil {
		t.Fatalf("decode token pair: %v", err)
	}
	if pair.AccessToken == "" {
		t.Fatal("expected an access token")
	}

	body, _ := json.Marshal(map[string]any{"user_id": "alice", "text": "supply 1 WETH"})
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/v1/messages", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorized submit: %v", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d", authed.StatusCode)
	}
}

package olend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubmitMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var submission MessageSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Errorf("decode submission: %v", err)
		}
		if submission.Text != "supply 1 WETH" {
			t.Errorf("unexpected text: %s", submission.Text)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Message{ID: "m1", Status: "pending", Text: submission.Text})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	msg, err := client.SubmitMessage(context.Background(), MessageSubmission{
		UserID: "alice",
		Text:   "supply 1 WETH",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if msg.ID != "m1" || msg.Status != "pending" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestSubmitAndWaitPassesWaitParam(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("wait"); got != "5s" {
			t.Errorf("expected wait=5s, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(Message{
			ID:     "m1",
			Status: "succeeded",
			Result: &Outcome{Reply: "已存入 1 WETH", ActionID: "supply"},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	msg, err := client.SubmitAndWait(context.Background(), MessageSubmission{Text: "supply 1 WETH"}, 5*time.Second)
	if err != nil {
		t.Fatalf("submit and wait: %v", err)
	}
	if msg.Result == nil || msg.Result.ActionID != "supply" {
		t.Fatalf("unexpected result: %+v", msg.Result)
	}
}

func TestAuthenticateStoresToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/token":
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "abc", TokenType: "Bearer"})
		case "/api/v1/messages/m1":
			if got := r.Header.Get("Authorization"); got != "Bearer abc" {
				t.Errorf("expected bearer token, got %q", got)
			}
			_ = json.NewEncoder(w).Encode(Message{ID: "m1", Status: "succeeded"})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	token, err := client.Authenticate(context.Background(), Credentials{Username: "operator", Password: "pw"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token.AccessToken != "abc" || client.AccessToken() != "abc" {
		t.Fatalf("token not stored: %+v", token)
	}
	if _, err := client.GetMessage(context.Background(), "m1"); err != nil {
		t.Fatalf("get message: %v", err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "消息内容不能为空",
			"code":  "MESSAGE_VALIDATION",
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	_, err = client.SubmitMessage(context.Background(), MessageSubmission{})
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "MESSAGE_VALIDATION" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestListMessagesQueryEncoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("user_id") != "alice" || query.Get("status") != "pending,failed" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []Message{{ID: "m1"}, {ID: "m2"}},
			"count":    2,
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	messages, err := client.ListMessages(context.Background(), ListQuery{
		UserID:   "alice",
		Statuses: []string{"pending", "failed"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
}

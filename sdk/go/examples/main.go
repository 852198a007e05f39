package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenLend-Chain/sdk/go/olend"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(olend.Message{
				ID:     "msg-demo",
				Status: "pending",
				Text:   "supply 1 WETH",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/messages/msg-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(olend.Message{
			ID:     "msg-demo",
			Status: "succeeded",
			Result: &olend.Outcome{
				Reply:        "已存入 1 WETH，交易 0xabc。当前健康因子 ∞。",
				ActionID:     "supply",
				TxHash:       "0xabc",
				Asset:        "WETH",
				Amount:       "1",
				HealthFactor: "∞",
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := olend.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := client.SubmitMessage(ctx, olend.MessageSubmission{
		UserID:  "demo",
		Address: "0x00000000000000000000000000000000000000a1",
		Text:    "supply 1 WETH",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted message %s (status=%s)\n", msg.ID, msg.Status)

	completed, err := client.GetMessage(ctx, msg.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("message %s finished: %s\n", completed.ID, completed.Result.Reply)
}

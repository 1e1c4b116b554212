package discord

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quailyquaily/agentgate/messaging"
)

func TestSendMessageReturnsMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/channels/42/messages" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bot TOKEN" {
			t.Fatalf("Authorization = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		var req createMessageRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Content != "hello" || req.MessageReference == nil || req.MessageReference.MessageID != "77" {
			t.Fatalf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"555","channel_id":"42"}`))
	}))
	defer srv.Close()

	a, err := New(Config{Token: "TOKEN", BaseURL: srv.URL, HTTPClient: srv.Client()}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	id, err := a.SendMessage(context.Background(), "42", "hello", "77", messaging.ParseModeMarkdown)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if id != "555" {
		t.Fatalf("SendMessage() = %q, want %q", id, "555")
	}
}

func TestEditMessage(t *testing.T) {
	var edited bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/channels/42/messages/555" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		edited = true
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"555"}`))
	}))
	defer srv.Close()

	a, err := New(Config{Token: "TOKEN", BaseURL: srv.URL, HTTPClient: srv.Client()}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.EditMessage(context.Background(), "42", "555", "updated", messaging.ParseModeNone); err != nil {
		t.Fatalf("EditMessage() error = %v", err)
	}
	if !edited {
		t.Fatal("edit request never reached the server")
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":1.5,"global":false}`))
	}))
	defer srv.Close()

	a, err := New(Config{Token: "TOKEN", BaseURL: srv.URL, HTTPClient: srv.Client()}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, sendErr := a.SendMessage(context.Background(), "42", "hi", "", messaging.ParseModeNone)
	if sendErr == nil {
		t.Fatal("SendMessage() error = nil, want rate-limit error")
	}
	var fw messaging.FloodWaitError
	if !errors.As(sendErr, &fw) {
		t.Fatalf("error %T does not carry a retry-after hint", sendErr)
	}
	if got := fw.RetryAfter(); got != 1500*time.Millisecond {
		t.Fatalf("RetryAfter() = %v, want 1.5s", got)
	}
}

func TestGatewayDeliversMessageCreate(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(gatewayPayload{Op: opHello, D: json.RawMessage(`{"heartbeat_interval":45000}`)}); err != nil {
			return
		}
		var identify gatewayPayload
		if err := conn.ReadJSON(&identify); err != nil {
			return
		}
		if identify.Op != opIdentify {
			t.Errorf("first client frame op = %d, want identify", identify.Op)
			return
		}
		var body identifyData
		if err := json.Unmarshal(identify.D, &body); err != nil || body.Token != "TOKEN" {
			t.Errorf("identify body = %s, err = %v", identify.D, err)
			return
		}

		dispatch := `{"id":"10","channel_id":"42","content":"hello","author":{"id":"7"},"referenced_message":{"id":"9"}}`
		_ = conn.WriteJSON(gatewayPayload{Op: opDispatch, T: "MESSAGE_CREATE", S: 1, D: json.RawMessage(dispatch)})
		botMsg := `{"id":"11","channel_id":"42","content":"echo","author":{"id":"8","bot":true}}`
		_ = conn.WriteJSON(gatewayPayload{Op: opDispatch, T: "MESSAGE_CREATE", S: 2, D: json.RawMessage(botMsg)})

		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	gatewayURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	a, err := New(Config{Token: "TOKEN", GatewayURL: gatewayURL}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := make(chan messaging.IncomingMessage, 4)
	a.OnMessage(func(ctx context.Context, msg messaging.IncomingMessage) {
		got <- msg
	})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop()

	select {
	case msg := <-got:
		if msg.Platform != "discord" || msg.ChatID != "42" || msg.MessageID != "10" || msg.Text != "hello" || msg.ReplyToMessageID != "9" {
			t.Fatalf("delivered message = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}

	// the bot-authored message must be dropped
	select {
	case msg := <-got:
		t.Fatalf("unexpected delivery of bot message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGatewayAnswersHeartbeatRequest(t *testing.T) {
	beat := make(chan gatewayPayload, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// long interval so only the requested beat can arrive
		if err := conn.WriteJSON(gatewayPayload{Op: opHello, D: json.RawMessage(`{"heartbeat_interval":600000}`)}); err != nil {
			return
		}
		var identify gatewayPayload
		if err := conn.ReadJSON(&identify); err != nil || identify.Op != opIdentify {
			return
		}

		// advance the sequence, then request an immediate heartbeat
		_ = conn.WriteJSON(gatewayPayload{Op: opDispatch, T: "GUILD_CREATE", S: 7, D: json.RawMessage(`{}`)})
		_ = conn.WriteJSON(gatewayPayload{Op: opHeartbeat})

		var reply gatewayPayload
		if err := conn.ReadJSON(&reply); err != nil {
			return
		}
		beat <- reply

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	gatewayURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	a, err := New(Config{Token: "TOKEN", GatewayURL: gatewayURL}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop()

	select {
	case reply := <-beat:
		if reply.Op != opHeartbeat {
			t.Fatalf("reply op = %d, want %d", reply.Op, opHeartbeat)
		}
		var seq int64
		if err := json.Unmarshal(reply.D, &seq); err != nil || seq != 7 {
			t.Fatalf("heartbeat seq = %s, want 7 (err = %v)", reply.D, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("requested heartbeat never sent")
	}
}

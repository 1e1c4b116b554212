package telegram

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

	"github.com/quailyquaily/agentgate/messaging"
)

func newTestAdapter(t *testing.T, srv *httptest.Server, allowed ...int64) *Adapter {
	t.Helper()
	a, err := New(Config{
		Token:          "TOKEN",
		BaseURL:        srv.URL,
		PollTimeout:    time.Second,
		AllowedChatIDs: allowed,
		HTTPClient:     srv.Client(),
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestSendMessageReturnsMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		var req sendMessageRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ChatID != 1001 || req.ReplyToMessageID != 77 {
			t.Fatalf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":555}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	id, err := a.SendMessage(context.Background(), "1001", "hello", "77", messaging.ParseModeMarkdown)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if id != "555" {
		t.Fatalf("SendMessage() = %q, want %q", id, "555")
	}
}

func TestSendMessageFallbackToPlainOnParseError(t *testing.T) {
	var parseModes []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req sendMessageRequest
		_ = json.Unmarshal(raw, &req)
		parseModes = append(parseModes, req.ParseMode)

		w.Header().Set("Content-Type", "application/json")
		if len(parseModes) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: Character '_' is reserved"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	if _, err := a.SendMessage(context.Background(), "1", "a_b", "", messaging.ParseModeMarkdown); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(parseModes) != 2 || parseModes[0] != "Markdown" || parseModes[1] != "" {
		t.Fatalf("parse modes = %v, want [Markdown \"\"]", parseModes)
	}
}

func TestSendMessageFloodCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	_, err := a.SendMessage(context.Background(), "1", "hi", "", messaging.ParseModeNone)
	if err == nil {
		t.Fatal("SendMessage() error = nil, want flood error")
	}
	var fw messaging.FloodWaitError
	if !errors.As(err, &fw) {
		t.Fatalf("error %T does not carry a retry-after hint", err)
	}
	if got := fw.RetryAfter(); got != 5*time.Second {
		t.Fatalf("RetryAfter() = %v, want 5s", got)
	}
}

func TestEditMessageIgnoresNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/editMessageText") {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: message is not modified"}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	if err := a.EditMessage(context.Background(), "1", "2", "same text", messaging.ParseModeNone); err != nil {
		t.Fatalf("EditMessage() error = %v, want nil for unmodified edit", err)
	}
}

func TestPollLoopDeliversMessages(t *testing.T) {
	var served bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":42,"username":"gatebot"}}`))
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			if served {
				_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
				return
			}
			served = true
			_, _ = w.Write([]byte(`{"ok":true,"result":[
				{"update_id":1,"message":{"message_id":10,"chat":{"id":1001},"from":{"id":7},"text":"hello","reply_to_message":{"message_id":9}}},
				{"update_id":2,"message":{"message_id":11,"chat":{"id":9999},"from":{"id":7},"text":"blocked"}}
			]}`))
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv, 1001)
	got := make(chan messaging.IncomingMessage, 4)
	a.OnMessage(func(ctx context.Context, msg messaging.IncomingMessage) {
		got <- msg
	})

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop()
	if !a.IsConnected() {
		t.Fatal("IsConnected() = false after Start")
	}

	select {
	case msg := <-got:
		if msg.ChatID != "1001" || msg.MessageID != "10" || msg.Text != "hello" || msg.ReplyToMessageID != "9" {
			t.Fatalf("delivered message = %+v", msg)
		}
		if !msg.IsReply() {
			t.Fatal("IsReply() = false for reply message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}

	// the disallowed chat must not be delivered
	select {
	case msg := <-got:
		t.Fatalf("unexpected delivery from chat %s", msg.ChatID)
	case <-time.After(100 * time.Millisecond):
	}
}

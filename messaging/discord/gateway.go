package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway opcodes.
const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opHello        = 10
	opHeartbeatACK = 11
)

// Gateway intents requested at identify.
const (
	intentGuilds         = 1 << 0
	intentGuildMessages  = 1 << 9
	intentDirectMessages = 1 << 12
	intentMessageContent = 1 << 15
)

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type dispatchMessage struct {
	ID                string      `json:"id"`
	ChannelID         string      `json:"channel_id"`
	Content           string      `json:"content"`
	Author            *apiUser    `json:"author,omitempty"`
	ReferencedMessage *apiMessage `json:"referenced_message,omitempty"`
}

// consumeGateway performs the hello/identify handshake, keeps the heartbeat
// loop running and hands every MESSAGE_CREATE dispatch to onMessage. It
// returns when the connection drops or ctx is cancelled.
func consumeGateway(ctx context.Context, conn *websocket.Conn, token string, onMessage func(dispatchMessage)) error {
	var lastSeq atomic.Int64

	// hello frame carries the heartbeat interval
	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("gateway hello read: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("gateway handshake: expected hello, got op %d", hello.Op)
	}
	var helloBody helloData
	if err := json.Unmarshal(hello.D, &helloBody); err != nil {
		return fmt.Errorf("gateway hello decode: %w", err)
	}
	interval := time.Duration(helloBody.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}

	identify := identifyData{
		Token:   token,
		Intents: intentGuilds | intentGuildMessages | intentDirectMessages | intentMessageContent,
		Properties: identifyProperties{
			OS:      "linux",
			Browser: "agentgate",
			Device:  "agentgate",
		},
	}
	d, _ := json.Marshal(identify)
	if err := conn.WriteJSON(gatewayPayload{Op: opIdentify, D: d}); err != nil {
		return fmt.Errorf("gateway identify: %w", err)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	// the heartbeat goroutine is the only writer after identify; the read
	// loop requests an immediate beat through this channel instead of
	// writing to the conn itself
	heartbeatReq := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-heartbeatReq:
			case <-heartbeatCtx.Done():
				return
			}
			seq, _ := json.Marshal(lastSeq.Load())
			if err := conn.WriteJSON(gatewayPayload{Op: opHeartbeat, D: seq}); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	// unblock ReadJSON when ctx is cancelled
	go func() {
		<-heartbeatCtx.Done()
		_ = conn.Close()
	}()

	for {
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if payload.S > 0 {
			lastSeq.Store(payload.S)
		}
		switch payload.Op {
		case opDispatch:
			if payload.T != "MESSAGE_CREATE" {
				continue
			}
			var msg dispatchMessage
			if err := json.Unmarshal(payload.D, &msg); err != nil {
				continue
			}
			onMessage(msg)
		case opHeartbeat:
			select {
			case heartbeatReq <- struct{}{}:
			default:
			}
		case opHeartbeatACK:
			// nothing to do
		}
	}
}

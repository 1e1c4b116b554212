package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Discord REST client (subset: gateway discovery, message create/edit).

const defaultBaseURL = "https://discord.com/api/v10"

type api struct {
	http    *http.Client
	baseURL string
	token   string
}

func newAPI(httpClient *http.Client, baseURL, token string) *api {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &api{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type apiMessage struct {
	ID        string   `json:"id"`
	ChannelID string   `json:"channel_id,omitempty"`
	Content   string   `json:"content,omitempty"`
	Author    *apiUser `json:"author,omitempty"`
}

type apiUser struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Bot      bool   `json:"bot,omitempty"`
}

type messageReference struct {
	MessageID string `json:"message_id"`
}

type createMessageRequest struct {
	Content          string            `json:"content"`
	MessageReference *messageReference `json:"message_reference,omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type gatewayBotResponse struct {
	URL string `json:"url"`
}

type rateLimitBody struct {
	Message    string  `json:"message,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	Global     bool    `json:"global,omitempty"`
}

// RequestError is a failed REST call. 429 responses carry Discord's
// retry_after hint.
type RequestError struct {
	StatusCode        int
	Body              string
	RetryAfterSeconds float64
}

func (e *RequestError) Error() string {
	if e == nil {
		return "discord request failed"
	}
	body := strings.TrimSpace(e.Body)
	if body != "" {
		return fmt.Sprintf("discord http %d: %s", e.StatusCode, body)
	}
	return fmt.Sprintf("discord http %d", e.StatusCode)
}

// RetryAfter reports the explicit rate-limit hint, zero when absent.
func (e *RequestError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterSeconds * float64(time.Second))
}

func (api *api) getGatewayURL(ctx context.Context) (string, error) {
	raw, err := api.do(ctx, http.MethodGet, "/gateway/bot", nil)
	if err != nil {
		return "", err
	}
	var out gatewayBotResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.URL) == "" {
		return "", fmt.Errorf("discord gateway: empty url")
	}
	return out.URL, nil
}

func (api *api) createMessage(ctx context.Context, channelID, content, replyToID string) (*apiMessage, error) {
	reqBody := createMessageRequest{Content: content}
	if replyToID != "" {
		reqBody.MessageReference = &messageReference{MessageID: replyToID}
	}
	raw, err := api.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", reqBody)
	if err != nil {
		return nil, err
	}
	var out apiMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (api *api) editMessage(ctx context.Context, channelID, messageID, content string) error {
	_, err := api.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, editMessageRequest{Content: content})
	return err
}

func (api *api) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, api.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+api.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := api.http.Do(req)
	if err != nil {
		return nil, err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reqErr := &RequestError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			var rl rateLimitBody
			if json.Unmarshal(raw, &rl) == nil {
				reqErr.RetryAfterSeconds = rl.RetryAfter
			}
		}
		return nil, reqErr
	}
	return raw, nil
}

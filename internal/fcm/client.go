// Package fcm sends push notifications through the Firebase Cloud
// Messaging legacy HTTP API and drains the pending reply queue.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const legacyEndpoint = "https://fcm.googleapis.com/fcm/send"

// Payload is the data message delivered to the reader app. The URLs
// point at the watched posts that received new replies.
type Payload struct {
	NewReplyURLs []string `json:"new_reply_urls"`
}

// Sender abstracts the outbound FCM call so the dispatcher can be
// tested without the network.
type Sender interface {
	Send(ctx context.Context, token string, payload Payload) error
}

// Client talks to the FCM legacy HTTP API with a server API key.
type Client struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewClient(apiKey string, httpClient *http.Client) *Client {
	return &Client{apiKey: apiKey, endpoint: legacyEndpoint, client: httpClient}
}

type legacyMessage struct {
	RegistrationIDs []string `json:"registration_ids"`
	Data            Payload  `json:"data"`
}

type legacyResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// Send delivers one data message to one registration token.
func (c *Client) Send(ctx context.Context, token string, payload Payload) error {
	body, err := json.Marshal(legacyMessage{
		RegistrationIDs: []string{token},
		Data:            payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode FCM message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build FCM request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("FCM request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("FCM returned status %d", resp.StatusCode)
	}

	var decoded legacyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("failed to decode FCM response: %w", err)
	}
	if decoded.Failure > 0 {
		return fmt.Errorf("FCM rejected %d of %d messages", decoded.Failure, decoded.Failure+decoded.Success)
	}
	return nil
}

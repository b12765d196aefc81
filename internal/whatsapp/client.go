// Package whatsapp sends text messages through the WhatsApp Business Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rxfield/crm/internal/config"
	"github.com/rxfield/crm/internal/pkg/httpretry"
	"github.com/rxfield/crm/internal/pkg/logger"
)

// ErrNoMessageID is returned when the API accepts a request but reports no
// message id.
var ErrNoMessageID = errors.New("whatsapp: response has no message id")

// Client is a WhatsApp Cloud API client.
type Client struct {
	baseURL       string
	phoneNumberID string
	token         string
	httpClient    httpretry.HTTPDoer
}

// NewClient creates a new WhatsApp Cloud API client.
func NewClient(cfg config.WhatsAppConfig) *Client {
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		token:         cfg.AccessToken,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
	}
}

// SendMessage delivers text to phoneNumber and returns the WhatsApp message
// id. leadID travels as opaque callback data so delivery webhooks can be
// matched back to the lead.
func (c *Client) SendMessage(ctx context.Context, phoneNumber, text, leadID string) (string, error) {
	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               normalizePhone(phoneNumber),
		Type:             "text",
		Text:             textContent{Body: text},
		BizOpaqueData:    leadID,
	})
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/"+c.phoneNumberID+"/messages", payload)
	if err != nil {
		return "", err
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", ErrNoMessageID
	}
	logger.Debug("whatsapp message sent",
		"component", "whatsapp", "phone", phoneNumber, "lead_id", leadID, "message_id", out.Messages[0].ID)
	return out.Messages[0].ID, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("API error (status %d, code %d): %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// normalizePhone strips everything but digits; the Cloud API wants the
// number in international format without "+".
func normalizePhone(p string) string {
	var b strings.Builder
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package channel

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

// providerResponse is the reply shape shared by the email and SMS gateways.
type providerResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

func (r providerResponse) providerID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.MessageID
}

func newProviderClient(baseURL, apiKey string) *resty.Client {
	// no client retries: a failed send is retried by the next sweep
	return resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
}

// post sends body to path and decodes the provider reply. Non-2xx answers are errors.
func post(ctx context.Context, client *resty.Client, path string, body any) (string, error) {
	var result providerResponse
	resp, err := client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post(path)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		if result.Error != "" {
			return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode(), result.Error)
		}
		return "", fmt.Errorf("provider returned %d", resp.StatusCode())
	}
	return result.providerID(), nil
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// EmailSender delivers EMAIL notifications through an HTTP mail gateway.
type EmailSender struct {
	client *resty.Client
	from   string
	logger *zap.Logger
}

// NewEmailSender creates a sender posting to the gateway at apiURL.
func NewEmailSender(apiURL, apiKey, from string, logger *zap.Logger) *EmailSender {
	return &EmailSender{client: newProviderClient(apiURL, apiKey), from: from, logger: logger}
}

func (s *EmailSender) Channel() models.Channel { return models.ChannelEmail }

func (s *EmailSender) Addresses(recipients []models.Recipient) []string {
	out := make([]string, 0, len(recipients))
	for _, rc := range recipients {
		if rc.Email != "" {
			out = append(out, rc.Email)
		}
	}
	return out
}

func (s *EmailSender) Send(ctx context.Context, msg Message, addresses []string) (string, error) {
	id, err := post(ctx, s.client, "/messages", emailRequest{
		From:    s.from,
		To:      addresses,
		Subject: msg.Subject(),
		Text:    msg.Body,
	})
	if err != nil {
		return "", fmt.Errorf("email: %w", err)
	}
	s.logger.Debug("Email accepted", zap.String("alert_id", msg.AlertID), zap.String("provider_message_id", id))
	return id, nil
}

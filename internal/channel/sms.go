package channel

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

type smsRequest struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Body string   `json:"body"`
}

// SMSSender delivers SMS notifications through an HTTP SMS gateway.
type SMSSender struct {
	client *resty.Client
	sender string
	logger *zap.Logger
}

// NewSMSSender creates a sender posting to the gateway at apiURL.
func NewSMSSender(apiURL, apiKey, sender string, logger *zap.Logger) *SMSSender {
	return &SMSSender{client: newProviderClient(apiURL, apiKey), sender: sender, logger: logger}
}

func (s *SMSSender) Channel() models.Channel { return models.ChannelSMS }

func (s *SMSSender) Addresses(recipients []models.Recipient) []string {
	out := make([]string, 0, len(recipients))
	for _, rc := range recipients {
		if rc.Phone != "" {
			out = append(out, rc.Phone)
		}
	}
	return out
}

func (s *SMSSender) Send(ctx context.Context, msg Message, addresses []string) (string, error) {
	id, err := post(ctx, s.client, "/sms", smsRequest{
		From: s.sender,
		To:   addresses,
		Body: msg.Short(),
	})
	if err != nil {
		return "", fmt.Errorf("sms: %w", err)
	}
	s.logger.Debug("SMS accepted", zap.String("alert_id", msg.AlertID), zap.String("provider_message_id", id))
	return id, nil
}

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"classpage-auth/internal/config"
	"classpage-auth/internal/util"
)

// SMSSender delivers one-time codes through an HTTP SMS gateway. When no
// gateway is configured (local development) dispatch is skipped; the code
// itself never reaches the logs.
type SMSSender struct {
	cfg    *config.DeliveryConfig
	client *http.Client
}

func NewSMSSender(cfg *config.DeliveryConfig) *SMSSender {
	return &SMSSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.DispatchTimeout,
		},
	}
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

func (s *SMSSender) SendCode(ctx context.Context, recipient, code string) error {
	if s.cfg.SMSGatewayURL == "" {
		util.Warn("sms gateway not configured, skipping dispatch",
			zap.String("recipient", recipient))
		return nil
	}

	payload, err := json.Marshal(smsRequest{
		To:      recipient,
		From:    s.cfg.SMSSenderID,
		Message: fmt.Sprintf("Your sign-in code is %s. It expires in 10 minutes.", code),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sms payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SMSGatewayURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.SMSAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.SMSAPIKey)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		util.Error("sms gateway request failed", zap.Error(err))
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		util.Error("sms gateway rejected message",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}

	util.Debug("sms code sent", zap.Duration("took", time.Since(start)))
	return nil
}

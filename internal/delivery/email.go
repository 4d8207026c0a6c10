package delivery

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"classpage-auth/internal/config"
	"classpage-auth/internal/util"
)

// EmailSender delivers one-time codes over SMTP.
type EmailSender struct {
	cfg *config.DeliveryConfig
}

func NewEmailSender(cfg *config.DeliveryConfig) *EmailSender {
	return &EmailSender{cfg: cfg}
}

func (s *EmailSender) SendCode(ctx context.Context, recipient, code string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.EmailFrom)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", "Your sign-in code")
	m.SetBody("text/plain", fmt.Sprintf(
		"Your sign-in code is %s.\n\nIt expires in 10 minutes. If you did not request it, ignore this message.",
		code))

	d := gomail.NewDialer(s.cfg.SMTPHost, s.cfg.SMTPPort, s.cfg.SMTPUser, s.cfg.SMTPPassword)

	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			util.Error("failed to send code email", zap.Error(err))
			return fmt.Errorf("failed to send email: %w", err)
		}
		util.Debug("code email sent")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

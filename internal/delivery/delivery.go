package delivery

import (
	"context"
	"fmt"

	"classpage-auth/internal/config"
	"classpage-auth/internal/model"
)

// CodeSender delivers a one-time code to a contact identifier over a single
// channel.
type CodeSender interface {
	SendCode(ctx context.Context, recipient, code string) error
}

// Dispatcher routes a code to the email or SMS sender based on the
// identifier kind.
type Dispatcher struct {
	email CodeSender
	sms   CodeSender
}

func NewDispatcher(cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		email: NewEmailSender(&cfg.Delivery),
		sms:   NewSMSSender(&cfg.Delivery),
	}
}

// NewDispatcherWith wires explicit senders, used by tests.
func NewDispatcherWith(email, sms CodeSender) *Dispatcher {
	return &Dispatcher{email: email, sms: sms}
}

func (d *Dispatcher) Dispatch(ctx context.Context, id model.Identifier, code string) error {
	switch id.Kind {
	case model.IdentifierEmail:
		return d.email.SendCode(ctx, id.Value, code)
	case model.IdentifierPhone:
		return d.sms.SendCode(ctx, id.Value, code)
	default:
		return fmt.Errorf("no delivery channel for identifier kind %q", id.Kind)
	}
}

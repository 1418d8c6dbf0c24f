package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/basket/internal/queue"
	"github.com/foxzi/basket/internal/template"
)

// Transport delivers a composed message
type Transport interface {
	Send(ctx context.Context, from, to string, data []byte) error
}

// ConfirmSender renders queued confirmations and hands them to a transport.
// It implements queue.Sender.
type ConfirmSender struct {
	templates *template.Set
	transport Transport
	from      string
	hostname  string
}

// NewConfirmSender creates a confirmation sender
func NewConfirmSender(templates *template.Set, transport Transport, from, hostname string) *ConfirmSender {
	return &ConfirmSender{
		templates: templates,
		transport: transport,
		from:      from,
		hostname:  hostname,
	}
}

// Send renders and delivers msg. The assigned Message-ID is stored on msg.
func (s *ConfirmSender) Send(ctx context.Context, msg *queue.Message) error {
	rendered, err := s.templates.Render(msg.Variant, msg.Lang, msg.Email, msg.Token)
	if err != nil {
		return &DeliveryError{
			Temporary: false,
			Message:   fmt.Sprintf("failed to render confirmation: %v", err),
		}
	}

	data, messageID, err := Compose(&Envelope{
		From:    s.from,
		To:      msg.Email,
		Subject: rendered.Subject,
		Text:    rendered.Text,
		HTML:    rendered.HTML,
		Lang:    msg.Lang,
	}, s.hostname, time.Now())
	if err != nil {
		return &DeliveryError{
			Temporary: false,
			Message:   err.Error(),
		}
	}

	if err := s.transport.Send(ctx, s.from, msg.Email, data); err != nil {
		return err
	}

	msg.MessageID = messageID
	return nil
}

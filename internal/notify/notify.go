// Package notify delivers verification codes to users. Only email is wired to a
// real transport; SMS and WhatsApp report ErrChannelUnavailable.
package notify

import (
	"context"
	"fmt"
	"log"

	autherror "github.com/Emcas152/CRMv2-sub000/internal/errors"
	"github.com/Emcas152/CRMv2-sub000/internal/mask"
)

// Channel is a delivery channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Message is one outbound notification.
type Message struct {
	Channel   Channel
	Recipient string
	Subject   string
	Body      string
}

// Notifier delivers a message or returns an error; it never pretends success.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

func requireEmail(msg Message) error {
	switch msg.Channel {
	case ChannelEmail:
		if msg.Recipient == "" {
			return fmt.Errorf("notify: empty recipient")
		}
		return nil
	case ChannelSMS, ChannelWhatsApp:
		return fmt.Errorf("%w: %s", autherror.ErrChannelUnavailable, msg.Channel)
	default:
		return fmt.Errorf("%w: unknown channel %q", autherror.ErrChannelUnavailable, msg.Channel)
	}
}

// LogNotifier writes messages to the log instead of sending them. With
// devMode the body (which may contain a code) is logged too.
type LogNotifier struct {
	devMode bool
}

func NewLogNotifier(devMode bool) *LogNotifier {
	return &LogNotifier{devMode: devMode}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	if err := requireEmail(msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.devMode {
		log.Printf("notify: [dev] to=%s subject=%q body=%q", mask.Email(msg.Recipient), msg.Subject, msg.Body)
		return nil
	}
	log.Printf("notify: email to %s suppressed (no SMTP configured)", mask.Email(msg.Recipient))
	return nil
}

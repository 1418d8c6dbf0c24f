package mailer

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mail "gopkg.in/mail.v2"
)

// Envelope describes one outgoing message
type Envelope struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
	Lang    string
}

// Compose builds an RFC 5322 message. Messages carrying both a text and an
// HTML body become multipart/alternative. It returns the message and its
// Message-ID.
func Compose(env *Envelope, hostname string, now time.Time) ([]byte, string, error) {
	if env.Text == "" && env.HTML == "" {
		return nil, "", fmt.Errorf("message has no body")
	}

	messageID := newMessageID(hostname)

	m := mail.NewMessage()
	m.SetHeader("From", env.From)
	m.SetHeader("To", env.To)
	m.SetHeader("Subject", env.Subject)
	m.SetDateHeader("Date", now)
	m.SetHeader("Message-ID", "<"+messageID+">")
	if env.Lang != "" {
		m.SetHeader("Content-Language", env.Lang)
	}

	switch {
	case env.Text != "" && env.HTML != "":
		m.SetBody("text/plain", env.Text)
		m.AddAlternative("text/html", env.HTML)
	case env.Text != "":
		m.SetBody("text/plain", env.Text)
	default:
		m.SetBody("text/html", env.HTML)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, "", fmt.Errorf("failed to write message: %w", err)
	}

	return buf.Bytes(), messageID, nil
}

func newMessageID(hostname string) string {
	if hostname == "" {
		hostname = "localhost"
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "") + "@" + hostname
}

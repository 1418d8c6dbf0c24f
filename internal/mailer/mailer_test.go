package mailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type receivedMessage struct {
	From string
	To   []string
	Data string
}

// relay is an in-process SMTP server collecting submitted messages
type relay struct {
	mu       sync.Mutex
	messages []receivedMessage
	rcptErr  error
	username string
	password string
	authUser string
}

func (r *relay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &relaySession{relay: r}, nil
}

func (r *relay) received() []receivedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receivedMessage(nil), r.messages...)
}

func (r *relay) authenticated() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authUser
}

type relaySession struct {
	relay  *relay
	authed bool
	from   string
	to     []string
}

func (s *relaySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.relay.username || password != s.relay.password {
			return errors.New("invalid credentials")
		}
		s.authed = true
		s.relay.mu.Lock()
		s.relay.authUser = username
		s.relay.mu.Unlock()
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, opts *smtp.MailOptions) error {
	if s.relay.username != "" && !s.authed {
		return &smtp.SMTPError{Code: 530, EnhancedCode: smtp.EnhancedCode{5, 7, 0}, Message: "Authentication required"}
	}
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.relay.rcptErr != nil {
		return s.relay.rcptErr
	}
	s.to = append(s.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.relay.mu.Lock()
	s.relay.messages = append(s.relay.messages, receivedMessage{From: s.from, To: s.to, Data: string(data)})
	s.relay.mu.Unlock()
	return nil
}

func (s *relaySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *relaySession) Logout() error {
	return nil
}

func startRelay(t *testing.T, r *relay) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := smtp.NewServer(r)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().String()
}

const testMessage = "From: news@example.com\r\nTo: dude@example.org\r\nSubject: Test\r\n\r\nHello.\r\n"

func TestMailerSend(t *testing.T) {
	r := &relay{}
	addr := startRelay(t, r)

	m := New(Config{Addr: addr, Hostname: "basket.test"}, nil, testLogger())
	if err := m.Send(context.Background(), "news@example.com", "dude@example.org", []byte(testMessage)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := r.received()
	if len(got) != 1 {
		t.Fatalf("relay received %d messages, want 1", len(got))
	}
	if got[0].From != "news@example.com" {
		t.Errorf("MAIL FROM = %q", got[0].From)
	}
	if len(got[0].To) != 1 || got[0].To[0] != "dude@example.org" {
		t.Errorf("RCPT TO = %v", got[0].To)
	}
	if !strings.Contains(got[0].Data, "Hello.") {
		t.Errorf("DATA = %q", got[0].Data)
	}
}

func TestMailerSendAuth(t *testing.T) {
	r := &relay{username: "basket", password: "secret"}
	addr := startRelay(t, r)

	m := New(Config{Addr: addr, Username: "basket", Password: "secret"}, nil, testLogger())
	if err := m.Send(context.Background(), "news@example.com", "dude@example.org", []byte(testMessage)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if user := r.authenticated(); user != "basket" {
		t.Errorf("relay authenticated %q, want basket", user)
	}

	bad := New(Config{Addr: addr, Username: "basket", Password: "wrong"}, nil, testLogger())
	err := bad.Send(context.Background(), "news@example.com", "dude@example.org", []byte(testMessage))
	if err == nil {
		t.Fatal("Send() with wrong password should fail")
	}
}

func TestMailerSendDKIM(t *testing.T) {
	r := &relay{}
	addr := startRelay(t, r)

	key, err := GenerateKey(KeyRSA)
	if err != nil {
		t.Fatal(err)
	}

	m := New(Config{Addr: addr}, NewSigner(key, "example.com", "basket"), testLogger())
	if err := m.Send(context.Background(), "news@example.com", "dude@example.org", []byte(testMessage)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := r.received()
	if len(got) != 1 || !strings.HasPrefix(got[0].Data, "DKIM-Signature:") {
		t.Errorf("relayed message is not DKIM signed")
	}
}

func TestMailerSendRejected(t *testing.T) {
	tests := []struct {
		name          string
		rcptErr       error
		wantTemporary bool
	}{
		{
			name:          "mailbox unavailable",
			rcptErr:       &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"},
			wantTemporary: false,
		},
		{
			name:          "greylisted",
			rcptErr:       &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 7, 1}, Message: "Try again later"},
			wantTemporary: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := startRelay(t, &relay{rcptErr: tt.rcptErr})

			m := New(Config{Addr: addr}, nil, testLogger())
			err := m.Send(context.Background(), "news@example.com", "dude@example.org", []byte(testMessage))
			if err == nil {
				t.Fatal("Send() expected error")
			}
			if got := IsTemporaryError(err); got != tt.wantTemporary {
				t.Errorf("IsTemporaryError(%v) = %v, want %v", err, got, tt.wantTemporary)
			}
		})
	}
}

func TestMailerSendConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	m := New(Config{Addr: addr, Timeout: time.Second}, nil, testLogger())
	err = m.Send(context.Background(), "news@example.com", "dude@example.org", []byte(testMessage))
	if err == nil {
		t.Fatal("Send() expected error")
	}
	if !IsTemporaryError(err) {
		t.Errorf("connection errors should be temporary, got %v", err)
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTemporary bool
	}{
		{"smtp 550", &smtp.SMTPError{Code: 550, Message: "rejected"}, false},
		{"smtp 421", &smtp.SMTPError{Code: 421, Message: "closing"}, true},
		{"text 554", errors.New("554 5.7.1 message refused"), false},
		{"text 452", errors.New("452 4.2.2 mailbox full"), true},
		{"wrapped", fmt.Errorf("relay: %w", &smtp.SMTPError{Code: 553, Message: "bad address"}), false},
		{"network", errors.New("read: connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := categorizeError(tt.err, "RCPT TO")
			if de.Temporary != tt.wantTemporary {
				t.Errorf("categorizeError() temporary = %v, want %v", de.Temporary, tt.wantTemporary)
			}
			if !strings.HasPrefix(de.Message, "RCPT TO failed:") {
				t.Errorf("categorizeError() message = %q", de.Message)
			}
		})
	}
}

func TestIsTemporaryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"temporary delivery error", &DeliveryError{Temporary: true, Message: "x"}, true},
		{"permanent delivery error", &DeliveryError{Temporary: false, Message: "x"}, false},
		{"wrapped permanent", fmt.Errorf("send: %w", &DeliveryError{Message: "x"}), false},
		{"smtp 5xx", &smtp.SMTPError{Code: 550}, false},
		{"unknown error", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTemporaryError(tt.err); got != tt.want {
				t.Errorf("IsTemporaryError() = %v, want %v", got, tt.want)
			}
		})
	}
}

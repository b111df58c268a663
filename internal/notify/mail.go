// Package notify implements the notification transports. The pipeline
// builds every message; these types only deliver it.
package notify

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
)

// MailConfig configures the SMTP transport.
type MailConfig struct {
	Host     string
	Port     int
	From     string
	To       string
	Username string
	Password string
}

// Mail sends run summaries over SMTP.
type Mail struct {
	cfg  MailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewMail builds the SMTP transport.
func NewMail(cfg MailConfig) *Mail {
	return &Mail{cfg: cfg, send: smtp.SendMail}
}

// Send delivers one message. The subject is Q-encoded so multibyte portal
// names survive the header.
func (m *Mail) Send(_ context.Context, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	recipients := splitRecipients(m.cfg.To)
	msg := buildMessage(m.cfg.From, recipients, subject, body)
	if err := m.send(addr, auth, m.cfg.From, recipients, msg); err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	return nil
}

func splitRecipients(to string) []string {
	var out []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strings"
	texttemplate "text/template"
	"time"
)

// SMTPConfig holds SMTP configuration.
type SMTPConfig struct {
	Host     string `env:"HOST"`
	Port     string `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM"`
	FromName string `env:"FROM_NAME" envDefault:"tandem"`
}

// Configured reports whether enough is set to send mail.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends multipart (text + HTML) invitation emails.
type SMTPSender struct {
	cfg  SMTPConfig
	addr string
	auth smtp.Auth
	send sendFunc
}

var _ Sender = (*SMTPSender)(nil)

// NewSMTPSender creates a sender. Auth is PLAIN when a username is set.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if !cfg.Configured() {
		return nil, errors.New("mail: smtp host, port and from are required")
	}
	s := &SMTPSender{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, cfg.Port),
		send: smtp.SendMail,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s, nil
}

func (s *SMTPSender) SendInvitation(ctx context.Context, inv Invitation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := s.compose(inv)
	if err != nil {
		return err
	}
	if err := s.send(s.addr, s.auth, s.cfg.From, []string{inv.To}, msg); err != nil {
		return fmt.Errorf("mail: send invitation: %w", err)
	}
	return nil
}

const boundary = "tandem-invitation-boundary"

func (s *SMTPSender) compose(inv Invitation) ([]byte, error) {
	data := invitationData{
		Invitation: inv,
		Start:      formatTime(inv.EventStart),
		Expires:    formatTime(inv.ExpiresAt),
	}

	var text bytes.Buffer
	if err := invitationText.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("mail: render text: %w", err)
	}
	var html bytes.Buffer
	if err := invitationHTML.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("mail: render html: %w", err)
	}

	from := s.cfg.From
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.cfg.FromName), s.cfg.From)
	}
	subject := mime.QEncoding.Encode("utf-8", "You're invited to "+inv.EventTitle)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", inv.To)
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(crlf(text.String()))
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.WriteString(crlf(html.String()))
	fmt.Fprintf(&msg, "\r\n--%s--\r\n", boundary)

	return msg.Bytes(), nil
}

type invitationData struct {
	Invitation
	Start   string
	Expires string
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("Mon, 02 Jan 2006 15:04 MST")
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var invitationText = texttemplate.Must(texttemplate.New("invitation.txt").Parse(`{{.InviterEmail}} invited you to join "{{.EventTitle}}" as {{.Role}}.
{{if .Start}}
Starts: {{.Start}}
{{end}}
Accept or decline: {{.AcceptURL}}

This invitation expires {{.Expires}}.
`))

var invitationHTML = template.Must(template.New("invitation.html").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Invitation to {{.EventTitle}}</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>You're invited to {{.EventTitle}}</h2>
    <p>{{.InviterEmail}} invited you to collaborate as <strong>{{.Role}}</strong>.</p>
    {{if .Start}}<p>Starts: {{.Start}}</p>{{end}}
    <p><a href="{{.AcceptURL}}" style="display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px;">View invitation</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p style="word-break: break-all; color: #0066cc;">{{.AcceptURL}}</p>
    <p style="font-size: 12px; color: #666;">This invitation expires {{.Expires}}.</p>
</body>
</html>
`))

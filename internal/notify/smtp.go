package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTPConfig holds relay connection settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer delivers mail through an SMTP relay using STARTTLS when offered.
type SMTPMailer struct {
	cfg    SMTPConfig
	dialer *net.Dialer
	now    func() time.Time
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// NewMailer returns an SMTP mailer when credentials are present and a
// logging mailer otherwise.
func NewMailer(cfg SMTPConfig) Mailer {
	if cfg.Username == "" || cfg.Password == "" {
		return NewLogMailer(nil)
	}
	return NewSMTPMailer(cfg)
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("invalid recipient %q: %w", to, err)}
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return classifySMTP(fmt.Errorf("smtp handshake: %w", err))
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return classifySMTP(fmt.Errorf("starttls: %w", err))
		}
	}
	if m.cfg.Username != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return classifySMTP(fmt.Errorf("smtp auth: %w", err))
		}
	}
	if err := c.Mail(m.cfg.From); err != nil {
		return classifySMTP(fmt.Errorf("MAIL FROM: %w", err))
	}
	if err := c.Rcpt(rcpt.Address); err != nil {
		return classifySMTP(fmt.Errorf("RCPT TO %s: %w", rcpt.Address, err))
	}

	w, err := c.Data()
	if err != nil {
		return classifySMTP(fmt.Errorf("DATA: %w", err))
	}
	if _, err := w.Write(m.compose(rcpt.Address, subject, body)); err != nil {
		w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP(fmt.Errorf("finishing message: %w", err))
	}
	return c.Quit()
}

// compose renders a UTF-8 plain text message. Non-ASCII subjects are
// encoded as RFC 2047 words.
func (m *SMTPMailer) compose(to, subject, body string) []byte {
	var buf bytes.Buffer
	host := m.cfg.Host
	if host == "" {
		host = "localhost"
	}
	fmt.Fprintf(&buf, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", uuid.New().String(), host)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// classifySMTP marks 5xx replies as permanent. 4xx replies and transport
// errors stay retryable.
func classifySMTP(err error) error {
	var te *textproto.Error
	if errors.As(err, &te) && te.Code >= 500 && te.Code < 600 {
		return &PermanentError{Err: err}
	}
	return err
}

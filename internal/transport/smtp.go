package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig is the relay to submit through.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// SMTP submits through a relay with STARTTLS when offered.
type SMTP struct {
	cfg SMTPConfig
}

var _ Transport = (*SMTP)(nil)

func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTP{cfg: cfg}
}

func (s *SMTP) Name() string { return "smtp" }

func (s *SMTP) Send(ctx context.Context, m Message) (Receipt, error) {
	if err := CheckAddress(m.To); err != nil {
		return Receipt{}, err
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Receipt{}, classifySMTP(ctx, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Now().Add(time.Minute))
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return Receipt{}, classifySMTP(ctx, err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return Receipt{}, classifySMTP(ctx, err)
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return Receipt{}, classifySMTP(ctx, err)
		}
	}
	if err := c.Mail(m.From); err != nil {
		return Receipt{}, classifySMTP(ctx, err)
	}
	if err := c.Rcpt(m.To); err != nil {
		return Receipt{}, classifySMTP(ctx, err)
	}
	w, err := c.Data()
	if err != nil {
		return Receipt{}, classifySMTP(ctx, err)
	}
	if _, err := w.Write(buildMIME(m)); err != nil {
		_ = w.Close()
		return Receipt{}, classifySMTP(ctx, err)
	}
	if err := w.Close(); err != nil {
		return Receipt{}, classifySMTP(ctx, err)
	}
	_ = c.Quit()
	return Receipt{Provider: "smtp", Code: "250"}, nil
}

func buildMIME(m Message) []byte {
	from := m.From
	if m.FromName != "" {
		from = mime.QEncoding.Encode("utf-8", m.FromName) + " <" + m.From + ">"
	}
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + m.To + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", m.Subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	if m.DedupKey != "" {
		b.WriteString("X-Dedup-Key: " + m.DedupKey + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(m.HTML, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// classifySMTP maps 5xx replies to permanent and everything else (4xx,
// network, timeout) to retryable.
func classifySMTP(ctx context.Context, err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		code := strconv.Itoa(tp.Code)
		if tp.Code >= 500 {
			return Permanent(code, tp.Msg)
		}
		return Retryable(code, tp.Msg)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("smtp: %w", ctx.Err())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("smtp: %w", context.DeadlineExceeded)
	}
	return Retryable("network", err.Error())
}

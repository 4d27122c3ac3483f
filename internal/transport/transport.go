package transport

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Message is a rendered email ready for delivery.
type Message struct {
	To       string
	ToName   string
	From     string
	FromName string
	Subject  string
	HTML     string

	// DedupKey is forwarded to providers that accept custom metadata.
	DedupKey string
}

// Receipt describes an accepted message.
type Receipt struct {
	Provider  string
	Code      string
	MessageID string
}

// Transport delivers one message. A nil error means the provider accepted it.
// Failures should be *Rejection; any other error is treated as retryable.
type Transport interface {
	Name() string
	Send(ctx context.Context, m Message) (Receipt, error)
}

// Rejection is a classified delivery failure.
type Rejection struct {
	Code      string
	Reason    string
	Permanent bool
}

func (r *Rejection) Error() string {
	kind := "retryable"
	if r.Permanent {
		kind = "permanent"
	}
	if r.Code == "" {
		return fmt.Sprintf("transport: %s rejection: %s", kind, r.Reason)
	}
	return fmt.Sprintf("transport: %s rejection (%s): %s", kind, r.Code, r.Reason)
}

func Permanent(code, reason string) error {
	return &Rejection{Code: code, Reason: reason, Permanent: true}
}

func Retryable(code, reason string) error {
	return &Rejection{Code: code, Reason: reason}
}

// IsPermanent classifies err. Timeouts, cancellations and unknown errors are
// retryable; only an explicit permanent Rejection is not.
func IsPermanent(err error) bool {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Permanent
	}
	return false
}

// Code extracts a short provider response for the ledger.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var r *Rejection
	if errors.As(err, &r) && r.Code != "" {
		return r.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// CheckAddress rejects recipients that no provider could deliver to.
func CheckAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Permanent("invalid_address", "empty recipient address")
	}
	a, err := mail.ParseAddress(addr)
	if err != nil || a.Address != addr || !strings.Contains(addr[strings.LastIndexByte(addr, '@')+1:], ".") {
		return Permanent("invalid_address", fmt.Sprintf("malformed recipient address %q", addr))
	}
	return nil
}

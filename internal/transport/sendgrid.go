package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const sendGridBaseURL = "https://api.sendgrid.com"

// SendGrid posts to the v3 mail/send API.
type SendGrid struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

var _ Transport = (*SendGrid)(nil)

// NewSendGrid builds the adapter. baseURL may be empty for the public API.
// The client timeout is a backstop; callers also bound Send with ctx.
func NewSendGrid(apiKey, baseURL string, timeout time.Duration) *SendGrid {
	if baseURL == "" {
		baseURL = sendGridBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SendGrid{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (s *SendGrid) Name() string { return "sendgrid" }

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To         []sgAddress       `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
}

type sgErrors struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func (s *SendGrid) Send(ctx context.Context, m Message) (Receipt, error) {
	if err := CheckAddress(m.To); err != nil {
		return Receipt{}, err
	}
	p := sgPersonalization{To: []sgAddress{{Email: m.To, Name: m.ToName}}}
	if m.DedupKey != "" {
		p.CustomArgs = map[string]string{"dedup_key": m.DedupKey}
	}
	body, err := json.Marshal(sgMail{
		Personalizations: []sgPersonalization{p},
		From:             sgAddress{Email: m.From, Name: m.FromName},
		Subject:          m.Subject,
		Content:          []sgContent{{Type: "text/html", Value: m.HTML}},
	})
	if err != nil {
		return Receipt{}, Permanent("encode", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, Permanent("request", err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Receipt{}, fmt.Errorf("sendgrid: %w", context.DeadlineExceeded)
		}
		return Receipt{}, Retryable("network", err.Error())
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	code := strconv.Itoa(resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
		return Receipt{Provider: "sendgrid", Code: code, MessageID: resp.Header.Get("X-Message-Id")}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return Receipt{}, Retryable(code, "rate limited"+retryAfter(resp))
	case resp.StatusCode >= 500:
		return Receipt{}, Retryable(code, errorReason(raw, resp.Status))
	default:
		// 4xx other than 429: bad request, bad key, unverified sender.
		return Receipt{}, Permanent(code, errorReason(raw, resp.Status))
	}
}

func errorReason(raw []byte, status string) string {
	var e sgErrors
	if json.Unmarshal(raw, &e) == nil && len(e.Errors) > 0 {
		msgs := make([]string, 0, len(e.Errors))
		for _, it := range e.Errors {
			msgs = append(msgs, it.Message)
		}
		return strings.Join(msgs, "; ")
	}
	return status
}

func retryAfter(resp *http.Response) string {
	if v := resp.Header.Get("Retry-After"); v != "" {
		return " (retry after " + v + ")"
	}
	return ""
}

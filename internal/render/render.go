package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"qrnotify/internal/domain"
)

//go:embed templates/*.html
var templatesFS embed.FS

var ErrUnknownKind = errors.New("render: unknown kind")

// Content is a rendered message.
type Content struct {
	Subject string
	HTML    string
}

// Renderer turns a kind and its payload into a message.
type Renderer interface {
	Render(kind domain.Kind, p domain.Payload) (Content, error)
}

// Config holds the variables every template can use.
type Config struct {
	AppName      string
	AppURL       string
	DiscountCode string
}

var subjects = map[domain.Kind]string{
	domain.KindWelcome:       "Welcome to {{.app_name}}!",
	domain.KindVerification:  "Confirm your email for {{.app_name}}",
	domain.KindUpgradePromo:  "20% off {{.app_name}} PRO with code {{.discount_code}}",
	domain.KindQRWarning:     "You have used {{.qr_count}} of {{.limit}} free QR codes",
	domain.KindSubConfirm:    "Subscription activated!",
	domain.KindAbandonedCart: "Your {{.plan}} upgrade is waiting",
	domain.KindPasswordReset: "Reset your {{.app_name}} password",
	domain.KindMonthlyReport: "Your {{.app_name}} report for {{.month}}",
}

// Templates is the built-in Renderer.
type Templates struct {
	base    map[string]any
	subject map[domain.Kind]*texttemplate.Template
	body    map[domain.Kind]*template.Template
}

func New(cfg Config) (*Templates, error) {
	layout, err := template.New("layout").Option("missingkey=error").ParseFS(templatesFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("render: layout: %w", err)
	}
	t := &Templates{
		base: map[string]any{
			"app_name":      cfg.AppName,
			"app_url":       strings.TrimRight(cfg.AppURL, "/"),
			"discount_code": cfg.DiscountCode,
		},
		subject: map[domain.Kind]*texttemplate.Template{},
		body:    map[domain.Kind]*template.Template{},
	}
	for _, k := range domain.AllKinds {
		st, err := texttemplate.New(string(k)).Option("missingkey=error").Parse(subjects[k])
		if err != nil {
			return nil, fmt.Errorf("render: subject %s: %w", k, err)
		}
		bt, err := template.Must(layout.Clone()).ParseFS(templatesFS, "templates/"+string(k)+".html")
		if err != nil {
			return nil, fmt.Errorf("render: body %s: %w", k, err)
		}
		// Clone does not carry options over.
		bt.Option("missingkey=error")
		t.subject[k] = st
		t.body[k] = bt
	}
	return t, nil
}

// Render fails when the kind is unknown or the payload lacks a variable the
// template uses. Both are permanent for the decision.
func (t *Templates) Render(kind domain.Kind, p domain.Payload) (Content, error) {
	st, ok := t.subject[kind]
	if !ok {
		return Content{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	data := make(map[string]any, len(t.base)+len(p))
	for k, v := range t.base {
		data[k] = v
	}
	for k, v := range p {
		data[k] = v
	}

	var subj, body bytes.Buffer
	if err := st.Execute(&subj, data); err != nil {
		return Content{}, fmt.Errorf("render: %s subject: %w", kind, err)
	}
	if err := t.body[kind].ExecuteTemplate(&body, "layout", data); err != nil {
		return Content{}, fmt.Errorf("render: %s body: %w", kind, err)
	}
	return Content{Subject: strings.TrimSpace(subj.String()), HTML: body.String()}, nil
}

package transport

import (
	"fmt"
	"strings"

	"qrnotify/internal/config"
	logx "qrnotify/pkg/logx"
)

// Open selects the provider. SendGrid without an API key falls back to
// simulation mode.
func Open(cfg config.TransportConfig, log logx.Logger) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "sendgrid":
		if strings.TrimSpace(cfg.APIKey) == "" {
			log.Warn("no provider API key configured; running in simulation mode")
			return NewSimulation(log), nil
		}
		return NewSendGrid(cfg.APIKey, cfg.BaseURL, cfg.TimeoutDuration()), nil
	case "smtp":
		return NewSMTP(SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}), nil
	case "simulation":
		return NewSimulation(log), nil
	default:
		return nil, fmt.Errorf("transport: unknown provider %q", cfg.Provider)
	}
}

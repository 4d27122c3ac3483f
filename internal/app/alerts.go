package app

import (
	"context"
	"reflect"
	"sync"

	"github.com/hashicorp/go-multierror"

	"qrnotify/internal/alert"
	"qrnotify/internal/config"
	rtsup "qrnotify/internal/runtime/supervisor"
	logx "qrnotify/pkg/logx"
)

// alertSinks owns the operator channel. The log sink is permanent; the
// journal and Telegram sinks follow alerts config and can be swapped live.
type alertSinks struct {
	log   logx.Logger
	multi *alert.Multi

	mu       sync.Mutex
	cfg      config.AlertsConfig
	built    bool
	journal  *alert.Journal
	telegram *alert.Telegram
	sup      *rtsup.Supervisor
	cancel   context.CancelFunc
}

func newAlertSinks(log logx.Logger) *alertSinks {
	return &alertSinks{log: log, multi: alert.NewMulti(alert.NewLog(log))}
}

// apply rebuilds the optional sinks when cfg changed. A running Telegram
// drainer is replaced.
func (s *alertSinks) apply(cfg config.AlertsConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built && reflect.DeepEqual(s.cfg, cfg) {
		return nil
	}

	var (
		journal *alert.Journal
		tg      *alert.Telegram
		err     error
	)
	if cfg.JournalPath != "" {
		if journal, err = alert.OpenJournal(cfg.JournalPath); err != nil {
			return err
		}
	}
	if t := cfg.Telegram; t.Enabled {
		tg, err = alert.NewTelegram(alert.TelegramConfig{
			Token:      t.Token,
			ChatID:     t.ChatID,
			ThreadID:   t.ThreadID,
			RatePerSec: t.RatePerSec,
		}, s.log)
		if err != nil {
			if journal != nil {
				_ = journal.Close()
			}
			return err
		}
	}

	sinks := []alert.Sink{alert.NewLog(s.log)}
	if journal != nil {
		sinks = append(sinks, journal)
	}
	if tg != nil {
		sinks = append(sinks, tg)
	}
	s.multi.Replace(sinks...)

	oldJournal, oldCancel := s.journal, s.cancel
	s.cfg, s.built = cfg, true
	s.journal, s.telegram, s.cancel = journal, tg, nil
	if oldCancel != nil {
		oldCancel()
	}
	if oldJournal != nil {
		_ = oldJournal.Close()
	}
	if s.sup != nil {
		s.runLocked()
	}
	return nil
}

// start runs the Telegram drainer under sup, now and after every apply.
func (s *alertSinks) start(sup *rtsup.Supervisor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sup = sup
	s.runLocked()
}

func (s *alertSinks) runLocked() {
	if s.telegram == nil || s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.sup.Context())
	s.cancel = cancel
	tg := s.telegram
	s.sup.Go("alerts.telegram", func(context.Context) error { return tg.Run(ctx) })
}

func (s *alertSinks) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	var errs *multierror.Error
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		s.journal = nil
	}
	return errs.ErrorOrNil()
}

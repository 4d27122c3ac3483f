package alert

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "qrnotify/pkg/logx"
)

var ErrQueueFull = errors.New("alert: telegram queue full")

// TelegramConfig selects the operator chat.
type TelegramConfig struct {
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec int
	QueueSize  int
}

// sender is the slice of *tele.Bot the sink uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram posts records to an operator chat. Emit only enqueues; Run drains
// the queue under the rate limit.
type Telegram struct {
	bot      sender
	chat     *tele.Chat
	threadID int
	lim      *rate.Limiter
	queue    chan Record
	log      logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert: telegram token is empty")
	}
	// Offline skips getMe; the bot is send-only.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return newTelegram(b, cfg, log), nil
}

func newTelegram(b sender, cfg TelegramConfig, log logx.Logger) *Telegram {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = 256
	}
	return &Telegram{
		bot:      b,
		chat:     &tele.Chat{ID: cfg.ChatID},
		threadID: cfg.ThreadID,
		lim:      rate.NewLimiter(rate.Limit(rps), rps),
		queue:    make(chan Record, qs),
		log:      log.Named("alert.telegram"),
	}
}

func (t *Telegram) Emit(ctx context.Context, r Record) error {
	select {
	case t.queue <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued records until ctx ends.
func (t *Telegram) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-t.queue:
			if err := t.lim.Wait(ctx); err != nil {
				return nil
			}
			opts := &tele.SendOptions{ThreadID: t.threadID, DisableWebPagePreview: true}
			if _, err := t.bot.Send(t.chat, r.String(), opts); err != nil {
				t.log.Warn("telegram alert failed", logx.String("dedup_key", r.DedupKey), logx.Err(err))
			}
		}
	}
}

package alert

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"qrnotify/internal/domain"
	logx "qrnotify/pkg/logx"
)

func sample() Record {
	return Record{
		Type:        FailedPermanent,
		DedupKey:    "welcome:u1",
		Kind:        domain.KindWelcome,
		RecipientID: "u1",
		Attempts:    3,
		Outcome:     domain.StatusFailedPermanent,
		Response:    "503",
		Reason:      "retry budget exhausted",
	}
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	t.Parallel()
	var got []Record
	ok := Func(func(ctx context.Context, r Record) error {
		got = append(got, r)
		return nil
	})
	bad := Func(func(ctx context.Context, r Record) error { return errors.New("sink down") })

	m := NewMulti(ok, nil, bad)
	err := m.Emit(context.Background(), sample())
	if err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Fatalf("Emit err = %v", err)
	}
	if len(got) != 1 || got[0].At.IsZero() {
		t.Fatalf("records = %+v", got)
	}

	m.Replace(ok)
	if err := m.Emit(context.Background(), sample()); err != nil {
		t.Fatalf("after Replace: %v", err)
	}
}

func TestLogSink(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := NewLog(logx.NewWriter(&buf, "debug")).Emit(context.Background(), sample()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`"dedup_key":"welcome:u1"`, `"type":"failed_permanent"`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %s missing %s", out, want)
		}
	}
}

func TestJournalRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "alerts", "journal.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	r := sample()
	r.At = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := j.Emit(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	r.Type = Recovery
	if err := j.Emit(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	_ = j.Close()
	if err := j.Emit(context.Background(), r); err == nil {
		t.Fatal("Emit after Close should fail")
	}

	recs, err := ReadJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Type != FailedPermanent || recs[1].Type != Recovery || !recs[0].At.Equal(r.At) {
		t.Fatalf("records = %+v", recs)
	}
}

type fakeBot struct {
	mu   sync.Mutex
	sent []string
	done chan struct{}
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, what.(string))
	f.mu.Unlock()
	f.done <- struct{}{}
	return &tele.Message{}, nil
}

func TestTelegramDrainsQueue(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{done: make(chan struct{}, 4)}
	tg := newTelegram(bot, TelegramConfig{ChatID: -100, RatePerSec: 100, QueueSize: 1}, logx.Nop())

	if err := tg.Emit(context.Background(), sample()); err != nil {
		t.Fatal(err)
	}
	if err := tg.Emit(context.Background(), sample()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Emit = %v, want ErrQueueFull", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tg.Run(ctx) }()

	select {
	case <-bot.done:
	case <-time.After(2 * time.Second):
		t.Fatal("record not delivered")
	}
	bot.mu.Lock()
	defer bot.mu.Unlock()
	if len(bot.sent) != 1 || !strings.Contains(bot.sent[0], "[failed_permanent] welcome:u1") {
		t.Fatalf("sent = %v", bot.sent)
	}
}

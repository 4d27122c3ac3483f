package scan

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"qrnotify/internal/dispatch"
	"qrnotify/internal/domain"
	"qrnotify/internal/ledger"
	"qrnotify/internal/recipients"
	"qrnotify/internal/render"
	"qrnotify/internal/rules"
	"qrnotify/internal/transport"
	logx "qrnotify/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    string
		kind   SpecKind
		every  time.Duration
		source string
		bad    bool
	}{
		{raw: "1h", kind: SpecInterval, every: time.Hour, source: "duration"},
		{raw: "06:00", kind: SpecInterval, every: 6 * time.Hour, source: "hhmm"},
		{raw: "00:50", kind: SpecInterval, every: 50 * time.Minute, source: "hhmm"},
		{raw: "every:30m", kind: SpecInterval, every: 30 * time.Minute, source: "duration"},
		{raw: "interval:01:30", kind: SpecInterval, every: 90 * time.Minute, source: "hhmm"},
		{raw: "0 9 * * *", kind: SpecCron, source: "cron"},
		{raw: "@daily", kind: SpecCron, source: "cron"},
		{raw: "cron:*/15 * * * *", kind: SpecCron, source: "cron"},
		{raw: "", bad: true},
		{raw: "0s", bad: true},
		{raw: "01:75", bad: true},
		{raw: "soon", bad: true},
		{raw: "61 * * * *", bad: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.raw)
		if tt.bad {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) = %+v, want error", tt.raw, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
		}
		if got.Kind != tt.kind || got.Every != tt.every || got.Source != tt.source {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.raw, got)
		}
	}
}

func TestSpreadScheduleFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter, err := Spec{Kind: SpecInterval, Every: time.Hour}.schedule(now)
	if err != nil {
		t.Fatal(err)
	}
	if jitter < 0 || jitter >= maxStartupSpread {
		t.Fatalf("jitter = %v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Hour + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	if second := sched.Next(first); second.Sub(first) != time.Hour {
		t.Fatalf("second gap = %v", second.Sub(first))
	}
	if jitter%time.Second != 0 {
		t.Fatalf("jitter %v is not whole seconds", jitter)
	}
}

func TestSpreadScheduleSubSecondStart(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 678008995, time.UTC)
	for i := 0; i < 20; i++ {
		sched, _, err := Spec{Kind: SpecInterval, Every: time.Hour}.schedule(now.Add(time.Duration(i) * 7919 * time.Microsecond))
		if err != nil {
			t.Fatal(err)
		}
		first := sched.Next(now)
		if first.Nanosecond() != 0 {
			t.Fatalf("first = %v, want whole seconds", first)
		}
		if gap := sched.Next(first).Sub(first); gap != time.Hour {
			t.Fatalf("second gap = %v", gap)
		}
	}
}

var registered = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func population(n int) *recipients.Memory {
	store := recipients.NewMemory()
	for i := 1; i <= n; i++ {
		store.Put(domain.Recipient{
			ID:             fmt.Sprint(i),
			Email:          fmt.Sprintf("user%d@example.com", i),
			Name:           fmt.Sprintf("User %d", i),
			Plan:           domain.PlanFree,
			RegisteredAt:   registered,
			QRCount:        3,
			LimitReachedAt: registered.Add(time.Hour),
			Active:         true,
		})
	}
	return store
}

type pipeline struct {
	scanner *Scanner
	tr      *transport.Simulation
}

func newPipeline(t *testing.T, store *recipients.Memory, now time.Time) pipeline {
	t.Helper()
	l := ledger.NewMemory()
	eng := rules.NewEngine(rules.Defaults(), l, rules.WithStats(store))
	r, err := render.New(render.Config{AppName: "QR Code Pro", AppURL: "http://localhost:8000", DiscountCode: "SAVE20"})
	if err != nil {
		t.Fatal(err)
	}
	tr := transport.NewSimulation(logx.Nop())
	ex := dispatch.New(dispatch.Config{From: "noreply@qrcodepro.com", FromName: "QR Code Pro"}, l, r, tr)
	sink := SinkFunc(func(ctx context.Context, d domain.Decision) error {
		_, err := ex.Dispatch(ctx, d)
		return err
	})
	sc := NewScanner(Config{Concurrency: 3, PageSize: 4}, store, eng, sink, WithClock(func() time.Time { return now }))
	return pipeline{scanner: sc, tr: tr}
}

func TestSecondRunSendsNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPipeline(t, population(10), time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	res, err := p.scanner.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Upgrade promo, abandoned cart and the February report per recipient.
	if res.Recipients != 10 || res.Decisions != 30 || p.tr.Sent() != 30 {
		t.Fatalf("first run = %+v sent = %d", res, p.tr.Sent())
	}

	res, err = p.scanner.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Recipients != 10 || res.Decisions != 0 || p.tr.Sent() != 30 {
		t.Fatalf("second run = %+v sent = %d", res, p.tr.Sent())
	}
	if last, ok := p.scanner.Last(); !ok || last.Recipients != 10 {
		t.Fatalf("Last = %+v %v", last, ok)
	}
}

func TestUpgradePromoTiming(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := recipients.NewMemory(domain.Recipient{
		ID: "u1", Email: "ada@example.com", Plan: domain.PlanFree,
		RegisteredAt: registered, Active: true,
	})

	early := newPipeline(t, store, registered.Add(48*time.Hour))
	if _, err := early.scanner.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if early.tr.Sent() != 0 {
		t.Fatalf("T+2d sent %d", early.tr.Sent())
	}

	late := newPipeline(t, store, registered.Add(72*time.Hour+time.Minute))
	if _, err := late.scanner.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if late.tr.Sent() != 1 {
		t.Fatalf("T+3d+1m sent %d", late.tr.Sent())
	}
}

type blockingEval struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEval) ScanDecisions(ctx context.Context, r domain.Recipient, now time.Time) ([]domain.Decision, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	t.Parallel()
	ev := &blockingEval{entered: make(chan struct{}, 1), release: make(chan struct{})}
	sc := NewScanner(Config{Concurrency: 1}, population(2), ev, SinkFunc(func(context.Context, domain.Decision) error { return nil }))

	done := make(chan error, 1)
	go func() {
		_, err := sc.RunOnce(context.Background())
		done <- err
	}()
	<-ev.entered
	if !sc.Running() {
		t.Fatal("first run should be in flight")
	}
	if _, err := sc.RunOnce(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("overlapping RunOnce = %v", err)
	}
	close(ev.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestCancelledRunReturnsContextError(t *testing.T) {
	t.Parallel()
	ev := &blockingEval{entered: make(chan struct{}, 1), release: make(chan struct{})}
	var submitted atomic.Int32
	sc := NewScanner(Config{Concurrency: 2}, population(50), ev, SinkFunc(func(context.Context, domain.Decision) error {
		submitted.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ev.entered
		cancel()
	}()
	res, err := sc.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if submitted.Load() != 0 {
		t.Fatalf("result = %+v submitted = %d", res, submitted.Load())
	}
	if sc.Running() {
		t.Fatal("running flag must be cleared")
	}
}

func TestSchedulerStartRescheduleStop(t *testing.T) {
	t.Parallel()
	sc := NewScanner(Config{}, population(1), &blockingEval{entered: make(chan struct{}, 1), release: make(chan struct{})}, SinkFunc(nil))
	s := NewScheduler(sc, logx.Nop())

	if err := s.Start(context.Background(), "bogus", time.UTC); err == nil {
		t.Fatal("bad schedule should fail")
	}
	if err := s.Start(context.Background(), "0 9 * * *", time.UTC); err != nil {
		t.Fatal(err)
	}
	next := s.Next()
	if next.IsZero() || next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("next = %v", next)
	}
	if err := s.Start(context.Background(), "1h", time.UTC); err == nil {
		t.Fatal("double start should fail")
	}
	if err := s.Reschedule("6h", time.UTC); err != nil {
		t.Fatal(err)
	}
	if d := time.Until(s.Next()); d < 6*time.Hour-time.Minute || d > 6*time.Hour+maxStartupSpread+time.Minute {
		t.Fatalf("next after reschedule in %v", d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if !s.Next().IsZero() {
		t.Fatal("stopped scheduler has no next run")
	}
}

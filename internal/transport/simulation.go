package transport

import (
	"context"
	"sync/atomic"

	logx "qrnotify/pkg/logx"
)

// Simulation logs the would-be send instead of contacting a provider.
type Simulation struct {
	log  logx.Logger
	sent atomic.Int64
}

func NewSimulation(log logx.Logger) *Simulation {
	return &Simulation{log: log.Named("transport.simulation")}
}

func (s *Simulation) Name() string { return "simulation" }

func (s *Simulation) Send(ctx context.Context, m Message) (Receipt, error) {
	if err := CheckAddress(m.To); err != nil {
		return Receipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	s.sent.Add(1)
	s.log.Info("would send to "+m.To+": "+m.Subject,
		logx.String("dedup_key", m.DedupKey),
		logx.String("from", m.From),
	)
	return Receipt{Provider: "simulation", Code: "simulated"}, nil
}

// Sent reports how many messages were accepted.
func (s *Simulation) Sent() int64 { return s.sent.Load() }

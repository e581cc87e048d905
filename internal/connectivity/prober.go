package connectivity

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Pinger checks whether the remote API answers at all.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober turns periodic pings into connectivity signals.
type Prober struct {
	pinger   Pinger
	listener *Listener
	interval time.Duration
	timeout  time.Duration
	logger   *zerolog.Logger
}

func NewProber(pinger Pinger, listener *Listener, interval, timeout time.Duration, logger *zerolog.Logger) *Prober {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{pinger: pinger, listener: listener, interval: interval, timeout: timeout, logger: logger}
}

// Start probes immediately and then on every interval until ctx is done.
func (p *Prober) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.interval).Msg("connectivity prober started")
	p.Probe(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("connectivity prober stopped")
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe runs one ping and feeds the outcome to the listener. It returns the
// observed state.
func (p *Prober) Probe(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(pingCtx)
	if ctx.Err() != nil {
		return p.listener.Online()
	}
	if err != nil {
		p.logger.Debug().Err(err).Msg("probe failed")
	}
	online := err == nil
	p.listener.Set(online)
	return online
}

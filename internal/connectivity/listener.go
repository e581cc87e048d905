package connectivity

import (
	"sync"

	"techsync/internal/domain"
	"techsync/internal/events"
	"techsync/internal/metrics"

	"github.com/rs/zerolog"
)

// Listener holds the agent's belief about whether the remote API is
// reachable. Only the Offline to Online transition notifies handlers.
type Listener struct {
	mu       sync.Mutex
	online   bool
	handlers []func()

	events domain.EventPublisher
	logger *zerolog.Logger
}

func NewListener(initial bool, publisher domain.EventPublisher, logger *zerolog.Logger) *Listener {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	metrics.SetOnline(initial)
	return &Listener{online: initial, events: publisher, logger: logger}
}

// Online reports the current state.
func (l *Listener) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

// OnOnline registers fn to be called on every Offline to Online transition.
// Handlers run synchronously on the goroutine that called Set and must not
// block.
func (l *Listener) OnOnline(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, fn)
}

// Set records a connectivity signal and reports whether the state changed.
func (l *Listener) Set(online bool) bool {
	l.mu.Lock()
	if l.online == online {
		l.mu.Unlock()
		return false
	}
	l.online = online
	var handlers []func()
	if online {
		handlers = append(handlers, l.handlers...)
	}
	l.mu.Unlock()

	metrics.SetOnline(online)
	l.logger.Info().Bool("online", online).Msg("connectivity changed")
	if l.events != nil {
		if err := l.events.PublishJSON(events.EventConnectivityChanged, events.ConnectivityEventPayload{Online: online}); err != nil {
			l.logger.Warn().Err(err).Msg("publish connectivity event")
		}
	}

	for _, fn := range handlers {
		fn()
	}
	return true
}

// Package events delivers session idle signals to the supervisor.
//
// Idle notifications arrive in bursts while a session settles, so every
// signal passes through a per-session debounce window before it reaches the
// handler. Signals can come from NATS or be injected directly.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
)

// IdleSubjectPrefix is the NATS subject prefix for per-session idle signals.
// The session id is the final token.
const IdleSubjectPrefix = "ralph.session.idle."

// IdleSubject returns the subject carrying idle signals for a session.
func IdleSubject(sessionID string) string {
	return IdleSubjectPrefix + sessionID
}

// Handler receives a session id after its debounce window closes.
type Handler func(sessionID string)

// Debouncer coalesces bursts of triggers per session id into a single
// handler call after a quiet period.
type Debouncer struct {
	delay   time.Duration
	handler Handler

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewDebouncer creates a debouncer firing handler delay after the last
// trigger for a given session id.
func NewDebouncer(delay time.Duration, handler Handler) *Debouncer {
	return &Debouncer{
		delay:   delay,
		handler: handler,
		timers:  make(map[string]*time.Timer),
	}
}

// Trigger starts or resets the session's debounce window.
func (d *Debouncer) Trigger(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if timer, ok := d.timers[sessionID]; ok {
		timer.Reset(d.delay)
		return
	}
	d.timers[sessionID] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, sessionID)
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			d.handler(sessionID)
		}
	})
}

// Pending reports how many sessions have an open debounce window.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels all pending windows. Further triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
}

// IdleSource feeds NATS idle signals into a handler, usually a debounced
// entry point such as the supervisor's NotifyIdle.
type IdleSource struct {
	conn    *nats.Conn
	handler Handler
	logger  *logging.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewIdleSource creates an idle source over an established NATS connection.
func NewIdleSource(conn *nats.Conn, handler Handler, logger *logging.Logger) *IdleSource {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &IdleSource{
		conn:    conn,
		handler: handler,
		logger:  logger.Named("events"),
	}
}

// Start subscribes to the idle subject space.
func (s *IdleSource) Start() error {
	sub, err := s.conn.Subscribe(IdleSubjectPrefix+"*", func(msg *nats.Msg) {
		sessionID := strings.TrimPrefix(msg.Subject, IdleSubjectPrefix)
		if sessionID == "" || strings.Contains(sessionID, ".") {
			s.logger.Debug(context.Background(), "ignoring malformed idle subject", zap.String("subject", msg.Subject))
			return
		}
		s.handler(sessionID)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Close drains the subscription.
func (s *IdleSource) Close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
}

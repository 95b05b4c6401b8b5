// Package notify delivers fire-and-forget status notifications.
//
// Delivery failures are swallowed: a notification is never worth failing an
// operation over.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
)

// Severity classifies a status notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notifier shows a short status message to whoever is supervising the run.
type Notifier interface {
	ShowStatus(ctx context.Context, severity Severity, text string)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) ShowStatus(ctx context.Context, severity Severity, text string) {
	switch severity {
	case SeverityError:
		n.logger.Error(ctx, text)
	case SeverityWarning:
		n.logger.Warn(ctx, text)
	default:
		n.logger.Info(ctx, text)
	}
}

// NATSNotifier publishes notifications on a NATS subject, rate-limited.
// Bursty sources drop excess notifications instead of queueing them.
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
	limiter *rate.Limiter
	logger  *logging.Logger
}

// DefaultSubject is the subject status notifications publish on.
const DefaultSubject = "ralph.notify"

// statusMessage is the wire shape of a published notification.
type statusMessage struct {
	Severity Severity  `json:"severity"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// NewNATSNotifier creates a NATS-backed notifier.
func NewNATSNotifier(nc *nats.Conn, subject string, logger *logging.Logger) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSNotifier{
		nc:      nc,
		subject: subject,
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
		logger:  logger.Named("notify"),
	}
}

func (n *NATSNotifier) ShowStatus(ctx context.Context, severity Severity, text string) {
	if !n.limiter.Allow() {
		n.logger.Debug(ctx, "notification dropped by rate limit", zap.String("text", text))
		return
	}
	payload, err := json.Marshal(statusMessage{Severity: severity, Text: text, At: time.Now()})
	if err != nil {
		return
	}
	if err := n.nc.Publish(n.subject, payload); err != nil {
		n.logger.Debug(ctx, "notification publish failed", zap.Error(err))
	}
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) ShowStatus(ctx context.Context, severity Severity, text string) {
	for _, n := range m {
		n.ShowStatus(ctx, severity, text)
	}
}

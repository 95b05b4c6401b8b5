package sessionhost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
)

// Subjects of the host request/reply protocol. The agent runtime that owns
// the actual sessions services these.
const (
	SubjectCreate = "ralph.host.create"
	SubjectPrompt = "ralph.host.prompt"
	SubjectAbort  = "ralph.host.abort"
	SubjectDelete = "ralph.host.delete"
)

// DefaultRequestTimeout bounds every host round trip.
const DefaultRequestTimeout = 10 * time.Second

// hostRequest is the wire shape of a host call.
type hostRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
}

// hostReply is the wire shape of a host response.
type hostReply struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// NATSHost drives sessions over NATS request/reply.
type NATSHost struct {
	nc      *nats.Conn
	timeout time.Duration
	logger  *logging.Logger
}

// NewNATSHost creates a host over an established NATS connection.
func NewNATSHost(nc *nats.Conn, timeout time.Duration, logger *logging.Logger) *NATSHost {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSHost{nc: nc, timeout: timeout, logger: logger.Named("sessionhost")}
}

func (h *NATSHost) request(ctx context.Context, subject string, req hostRequest) (hostReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return hostReply{}, fmt.Errorf("encode host request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	msg, err := h.nc.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		return hostReply{}, fmt.Errorf("host request %s: %w", subject, err)
	}

	var reply hostReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return hostReply{}, fmt.Errorf("decode host reply from %s: %w", subject, err)
	}
	if reply.Error != "" {
		return hostReply{}, fmt.Errorf("host rejected %s: %s", subject, reply.Error)
	}
	return reply, nil
}

func (h *NATSHost) Create(ctx context.Context, title string) (string, error) {
	reply, err := h.request(ctx, SubjectCreate, hostRequest{Title: title})
	if err != nil {
		return "", err
	}
	if reply.ID == "" {
		return "", fmt.Errorf("host returned no session id")
	}
	return reply.ID, nil
}

func (h *NATSHost) Prompt(ctx context.Context, id, text string) error {
	_, err := h.request(ctx, SubjectPrompt, hostRequest{ID: id, Text: text})
	return err
}

func (h *NATSHost) Abort(ctx context.Context, id string) error {
	_, err := h.request(ctx, SubjectAbort, hostRequest{ID: id})
	return err
}

func (h *NATSHost) Delete(ctx context.Context, id string) error {
	_, err := h.request(ctx, SubjectDelete, hostRequest{ID: id})
	return err
}

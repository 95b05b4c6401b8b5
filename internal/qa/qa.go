// Package qa implements the blocking question/answer channel between child
// sessions and the supervising party.
//
// State lives in a single JSON document read fully and rewritten wholesale
// on every mutation, so questions and answers survive process and session
// boundaries. Waiting is store-polling on purpose: an in-memory signal could
// not outlive the asker's process.
package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doeixd/opencode-ralph-rlm/internal/config"
	"github.com/doeixd/opencode-ralph-rlm/internal/docstore"
	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
	"github.com/doeixd/opencode-ralph-rlm/internal/notify"
)

// StorePath is the Q&A document path inside the store.
const StorePath = "qa.json"

// Question is one pending question record.
type Question struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Attempt   int       `json:"attempt"`
	Question  string    `json:"question"`
	Context   string    `json:"context,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Response is the authority's answer to a question.
type Response struct {
	Answer      string    `json:"answer"`
	RespondedAt time.Time `json:"respondedAt"`
}

// document is the wire shape of the durable store.
type document struct {
	Questions []Question          `json:"questions"`
	Responses map[string]Response `json:"responses"`
}

// Answer is what Ask returns once a response lands.
type Answer struct {
	ID     string
	Answer string
}

// SettingsSource provides live-resolved settings.
type SettingsSource interface {
	Settings() *config.Settings
}

// Gauge is the open-questions metric hook. prometheus.Gauge satisfies it.
type Gauge interface {
	Set(float64)
}

// Channel is the durable Q&A exchange.
type Channel struct {
	store    docstore.Store
	notifier notify.Notifier
	settings SettingsSource
	logger   *logging.Logger
	open     Gauge

	// Serializes read-modify-write cycles within this process. Cross-process
	// writers race by design; last write wins.
	mu sync.Mutex
}

// NewChannel creates a Q&A channel over the given store.
func NewChannel(store docstore.Store, notifier notify.Notifier, settings SettingsSource, logger *logging.Logger) *Channel {
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Channel{
		store:    store,
		notifier: notifier,
		settings: settings,
		logger:   logger.Named("qa"),
	}
}

// SetOpenGauge wires the open-questions gauge. Optional.
func (c *Channel) SetOpenGauge(g Gauge) {
	c.open = g
}

func (c *Channel) load(ctx context.Context) document {
	doc := document{Responses: map[string]Response{}}
	content, err := c.store.Read(ctx, StorePath)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		c.logger.Warn(ctx, "qa store unreadable, starting fresh", zap.Error(err))
		return document{Responses: map[string]Response{}}
	}
	if doc.Responses == nil {
		doc.Responses = map[string]Response{}
	}
	return doc
}

func (c *Channel) save(ctx context.Context, doc document) error {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode qa store: %w", err)
	}
	if err := c.store.Write(ctx, StorePath, string(payload)); err != nil {
		return fmt.Errorf("write qa store: %w", err)
	}
	if c.open != nil {
		c.open.Set(float64(countOpen(doc)))
	}
	return nil
}

func countOpen(doc document) int {
	open := 0
	for _, q := range doc.Questions {
		if _, answered := doc.Responses[q.ID]; !answered {
			open++
		}
	}
	return open
}

// Ask appends a question, notifies, then polls until an answer appears or
// the timeout elapses. This is the only operation in the system that
// intentionally blocks a session turn pending external input.
func (c *Channel) Ask(ctx context.Context, role string, attempt int, question, extra string, timeout time.Duration) (Answer, error) {
	if question == "" {
		return Answer{}, fmt.Errorf("question text is required")
	}
	if timeout <= 0 {
		timeout = c.settings.Settings().QADefaultTimeout
	}

	q := Question{
		ID:        uuid.New().String(),
		Role:      role,
		Attempt:   attempt,
		Question:  question,
		Context:   extra,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	doc := c.load(ctx)
	doc.Questions = append(doc.Questions, q)
	err := c.save(ctx, doc)
	c.mu.Unlock()
	if err != nil {
		return Answer{}, err
	}

	c.notifier.ShowStatus(ctx, notify.SeverityInfo,
		fmt.Sprintf("question pending (%s, attempt %d): %s", role, attempt, truncate(question, 120)))
	c.logger.Info(ctx, "question asked", zap.String("id", q.ID), zap.Duration("timeout", timeout))

	poll := c.settings.Settings().QAPollInterval
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Answer{}, fmt.Errorf("ask aborted for question %s: %w", q.ID, ctx.Err())
		case <-deadline.C:
			return Answer{}, fmt.Errorf("no answer for question %s within %s", q.ID, timeout)
		case <-ticker.C:
			c.mu.Lock()
			doc := c.load(ctx)
			c.mu.Unlock()
			if resp, ok := doc.Responses[q.ID]; ok {
				c.logger.Info(ctx, "question answered", zap.String("id", q.ID))
				return Answer{ID: q.ID, Answer: resp.Answer}, nil
			}
		}
	}
}

// Respond writes the answer for a known question id. A second response for
// the same id overwrites the first and reports it as superseded; an asker
// that already consumed the first answer is not reconciled (last write wins
// by contract).
func (c *Channel) Respond(ctx context.Context, id, answer string) (superseded bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.load(ctx)
	known := false
	for _, q := range doc.Questions {
		if q.ID == id {
			known = true
			break
		}
	}
	if !known {
		unanswered := unansweredIDs(doc)
		if len(unanswered) == 0 {
			return false, fmt.Errorf("unknown question id %s: no questions are waiting for an answer", id)
		}
		return false, fmt.Errorf("unknown question id %s: unanswered questions are %s",
			id, strings.Join(unanswered, ", "))
	}

	_, superseded = doc.Responses[id]
	doc.Responses[id] = Response{Answer: answer, RespondedAt: time.Now()}
	if err := c.save(ctx, doc); err != nil {
		return false, err
	}
	if superseded {
		c.logger.Warn(ctx, "previous answer superseded", zap.String("id", id))
	}
	return superseded, nil
}

// Unanswered returns questions with no response yet, oldest first.
func (c *Channel) Unanswered(ctx context.Context) []Question {
	c.mu.Lock()
	doc := c.load(ctx)
	c.mu.Unlock()

	out := make([]Question, 0)
	for _, q := range doc.Questions {
		if _, ok := doc.Responses[q.ID]; !ok {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func unansweredIDs(doc document) []string {
	ids := make([]string, 0)
	for _, q := range doc.Questions {
		if _, ok := doc.Responses[q.ID]; !ok {
			ids = append(ids, q.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

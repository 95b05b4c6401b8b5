package events

import (
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) handle(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionID)
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestDebouncer_CoalescesBursts(t *testing.T) {
	rec := &callRecorder{}
	d := NewDebouncer(50*time.Millisecond, rec.handle)
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Trigger("sess-1")
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// No late second fire.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"sess-1"}, rec.snapshot())
}

func TestDebouncer_IndependentPerSession(t *testing.T) {
	rec := &callRecorder{}
	d := NewDebouncer(20*time.Millisecond, rec.handle)
	defer d.Stop()

	d.Trigger("a")
	d.Trigger("b")
	assert.Equal(t, 2, d.Pending())

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "b"}, rec.snapshot())
	assert.Equal(t, 0, d.Pending())
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	rec := &callRecorder{}
	d := NewDebouncer(30*time.Millisecond, rec.handle)

	d.Trigger("doomed")
	d.Stop()
	d.Trigger("ignored")

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, 0, d.Pending())
}

func TestIdleSource_DeliversDebouncedSignals(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	rec := &callRecorder{}
	d := NewDebouncer(30*time.Millisecond, rec.handle)
	defer d.Stop()

	source := NewIdleSource(nc, d.Trigger, logging.NewTestLogger().Logger)
	require.NoError(t, source.Start())
	defer source.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, nc.Publish(IdleSubject("sess-42"), nil))
	}
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		calls := rec.snapshot()
		return len(calls) == 1 && calls[0] == "sess-42"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleSource_IgnoresNestedSubjects(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	rec := &callRecorder{}
	d := NewDebouncer(10*time.Millisecond, rec.handle)
	defer d.Stop()

	source := NewIdleSource(nc, d.Trigger, logging.NewTestLogger().Logger)
	require.NoError(t, source.Start())
	defer source.Close()

	// Single-token wildcard does not match nested subjects anyway; the guard
	// covers manual delivery paths.
	require.NoError(t, nc.Publish(IdleSubjectPrefix+"a.b", nil))
	require.NoError(t, nc.Flush())

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

package sessionhost

import (
	"context"
	"encoding/json"
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

func respond(t *testing.T, nc *nats.Conn, subject string, fn func(hostRequest) hostReply) {
	t.Helper()
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var req hostRequest
		require.NoError(t, json.Unmarshal(msg.Data, &req))
		payload, err := json.Marshal(fn(req))
		require.NoError(t, err)
		require.NoError(t, msg.Respond(payload))
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func TestNATSHost_RoundTrip(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	var prompted hostRequest
	respond(t, nc, SubjectCreate, func(req hostRequest) hostReply {
		assert.Equal(t, "worker attempt 1", req.Title)
		return hostReply{ID: "sess-1"}
	})
	respond(t, nc, SubjectPrompt, func(req hostRequest) hostReply {
		prompted = req
		return hostReply{}
	})
	respond(t, nc, SubjectDelete, func(req hostRequest) hostReply {
		return hostReply{}
	})

	host := NewNATSHost(nc, time.Second, logging.NewTestLogger().Logger)
	ctx := context.Background()

	id, err := host.Create(ctx, "worker attempt 1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)

	require.NoError(t, host.Prompt(ctx, id, "do the work"))
	assert.Equal(t, "sess-1", prompted.ID)
	assert.Equal(t, "do the work", prompted.Text)

	require.NoError(t, host.Delete(ctx, id))
}

func TestNATSHost_ErrorsSurface(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	respond(t, nc, SubjectCreate, func(req hostRequest) hostReply {
		return hostReply{Error: "runtime at session capacity"}
	})

	host := NewNATSHost(nc, time.Second, logging.NewNop())
	_, err = host.Create(context.Background(), "strategist attempt 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session capacity")

	// No responder on the abort subject: the request times out.
	err = host.Abort(context.Background(), "sess-1")
	require.Error(t, err)
}

func TestNATSHost_RejectsEmptySessionID(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	respond(t, nc, SubjectCreate, func(req hostRequest) hostReply {
		return hostReply{}
	})

	host := NewNATSHost(nc, time.Second, logging.NewNop())
	_, err = host.Create(context.Background(), "title")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session id")
}

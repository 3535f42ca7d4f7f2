package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/genbroker/pkg/client"
	"github.com/rmax-ai/genbroker/pkg/progress"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (progress.MessageType, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	typ, err := progress.PeekType(data)
	require.NoError(t, err)
	return typ, data
}

func readUpdate(t *testing.T, conn *websocket.Conn) progress.Update {
	t.Helper()
	for {
		typ, data := readFrame(t, conn)
		if typ == progress.TypePing {
			continue
		}
		require.Equal(t, progress.TypeUpdate, typ, string(data))
		var u progress.Update
		require.NoError(t, json.Unmarshal(data, &u))
		return u
	}
}

func TestWebSocketCachedThenLive(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	ctx := context.Background()

	require.NoError(t, env.broker.Publish(ctx, progress.Update{GenerationID: "job1", Status: progress.StatusProcessing, Progress: 50}))

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteJSON(progress.Control{Type: progress.TypeSubscribe, GenerationID: "job1"}))

	u := readUpdate(t, conn)
	assert.Equal(t, progress.StatusProcessing, u.Status)
	assert.Equal(t, 50, u.Progress)

	require.NoError(t, env.broker.Publish(ctx, progress.Update{GenerationID: "job1", Status: progress.StatusComplete, Progress: 100, AudioURL: "x"}))
	u = readUpdate(t, conn)
	assert.Equal(t, progress.StatusComplete, u.Status)
	assert.Equal(t, "x", u.AudioURL)

	// The channel is released after the grace window.
	assert.Eventually(t, func() bool { return env.broker.Channels() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketUnsubscribe(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteJSON(progress.Control{Type: progress.TypeSubscribe, GenerationID: "job1"}))
	require.Eventually(t, func() bool { return env.broker.Subscribers("job1") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(progress.Control{Type: progress.TypeUnsubscribe, GenerationID: "job1"}))
	assert.Eventually(t, func() bool { return env.broker.Channels() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketDisconnectReleasesChannel(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteJSON(progress.Control{Type: progress.TypeSubscribe, GenerationID: "job1"}))
	require.NoError(t, conn.WriteJSON(progress.Control{Type: progress.TypeSubscribe, GenerationID: "job2"}))
	require.Eventually(t, func() bool { return env.broker.Channels() == 2 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return env.broker.Channels() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketErrors(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv)

	tests := []struct {
		name  string
		frame string
	}{
		{"malformed", "{"},
		{"missing id", `{"type":"subscribe"}`},
		{"unknown type", `{"type":"resize","generationId":"job1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			typ, data := readFrame(t, conn)
			assert.Equal(t, progress.TypeError, typ)
			var c progress.Control
			require.NoError(t, json.Unmarshal(data, &c))
			assert.NotEmpty(t, c.Message)
		})
	}

	// The connection survives bad frames.
	require.NoError(t, conn.WriteJSON(progress.Control{Type: progress.TypePing}))
	typ, _ := readFrame(t, conn)
	assert.Equal(t, progress.TypePong, typ)
}

func TestWebSocketHeartbeat(t *testing.T) {
	p := newTestEnv(t, Options{}).pool
	b := progress.NewBroker(progress.NewMemoryBus(), progress.NewMemoryCache(), progress.Config{Heartbeat: 20 * time.Millisecond})
	defer b.Close()
	srv := httptest.NewServer(NewServer(p, nil, b, Options{}).Handler())
	defer srv.Close()

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteJSON(progress.Control{Type: progress.TypeSubscribe, GenerationID: "job1"}))

	typ, _ := readFrame(t, conn)
	assert.Equal(t, progress.TypePing, typ)
	require.NoError(t, conn.WriteJSON(progress.Control{Type: progress.TypePong, Timestamp: time.Now().UnixMilli()}))
}

// The SDK's status sync follows a job over the real push channel until it
// reaches a terminal state.
func TestStatusSyncOverPushChannel(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	ctx := context.Background()

	require.NoError(t, env.broker.Publish(ctx, progress.Update{GenerationID: "job1", Status: progress.StatusQueued}))

	sync := client.NewClient(srv.URL).Watch(ctx, "job1", client.SyncConfig{})
	defer sync.Cancel()

	require.Eventually(t, func() bool { return env.broker.Subscribers("job1") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, env.broker.Publish(ctx, progress.Update{GenerationID: "job1", Status: progress.StatusProcessing, Progress: 40}))
	require.NoError(t, env.broker.Publish(ctx, progress.Update{GenerationID: "job1", Status: progress.StatusComplete, Progress: 100, AudioURL: "x"}))

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	final, err := sync.Wait(waitCtx)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, progress.StatusComplete, final.Status)
	assert.Equal(t, "x", final.AudioURL)
	assert.Equal(t, client.StateClosed, sync.State())
}

// Without a push channel the SDK falls back to the pull endpoint.
func TestStatusSyncPollsStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	ctx := context.Background()

	require.NoError(t, env.broker.Publish(ctx, progress.Update{GenerationID: "job1", Status: progress.StatusFailed, Error: "upstream refused"}))

	c := client.NewClient(srv.URL)
	sync := client.NewStatusSync("job1", nil, c, client.SyncConfig{
		Poll: client.PollSchedule{Short: 10 * time.Millisecond, Medium: 10 * time.Millisecond, Long: 10 * time.Millisecond, ShortAttempts: 1, MediumAttempts: 1, MaxAttempts: 5},
	})
	sync.Start(ctx)
	defer sync.Cancel()

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	final, err := sync.Wait(waitCtx)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, progress.StatusFailed, final.Status)
	assert.Equal(t, "upstream refused", final.Error)
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rmax-ai/genbroker/pkg/progress"
)

const (
	wsWriteWait  = 10 * time.Second
	wsMaxFrame   = 4 << 10
	wsMaxJobs    = 32
	wsBufferSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS serves the push channel. One connection may follow several jobs;
// it shares a single sink across its subscriptions.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "trace_id", getTraceID(r.Context()), "error", err)
		return
	}
	conn.SetReadLimit(wsMaxFrame)

	sess := &wsSession{
		server: s,
		sink:   newWSSink(conn),
		subs:   make(map[string]*progress.Subscription),
	}
	s.logger.Debug("push connection opened", "remote", clientKey(r))

	// The request context ends when the handler returns, so subscriptions
	// get a detached one and rely on the sink for teardown.
	sess.serve(context.WithoutCancel(r.Context()))
	s.logger.Debug("push connection closed", "remote", clientKey(r))
}

type wsSession struct {
	server *Server
	sink   *wsSink

	mu   sync.Mutex
	subs map[string]*progress.Subscription
}

func (sess *wsSession) serve(ctx context.Context) {
	defer sess.close()

	for {
		data, err := sess.sink.read()
		if err != nil {
			return
		}

		typ, err := progress.PeekType(data)
		if err != nil {
			sess.sink.sendError("", "malformed message")
			continue
		}

		var msg progress.Control
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.sink.sendError("", "malformed message")
			continue
		}

		switch typ {
		case progress.TypeSubscribe:
			sess.subscribe(ctx, msg.GenerationID)
		case progress.TypeUnsubscribe:
			sess.unsubscribe(msg.GenerationID)
		case progress.TypePong:
			sess.pong()
		case progress.TypePing:
			sess.sink.send(progress.Control{Type: progress.TypePong, Timestamp: time.Now().UnixMilli()})
		default:
			sess.sink.sendError(msg.GenerationID, "unsupported message type")
		}
	}
}

func (sess *wsSession) subscribe(ctx context.Context, jobID string) {
	if jobID == "" {
		sess.sink.sendError("", "generationId is required")
		return
	}

	sess.mu.Lock()
	_, exists := sess.subs[jobID]
	full := len(sess.subs) >= wsMaxJobs
	sess.mu.Unlock()
	if exists {
		return
	}
	if full {
		sess.sink.sendError(jobID, "too many subscriptions")
		return
	}

	sub, err := sess.server.broker.Subscribe(ctx, jobID, sess.sink)
	if err != nil {
		sess.server.logger.Warn("push subscribe failed", "generation_id", jobID, "error", err)
		sess.sink.sendError(jobID, "subscription unavailable")
		return
	}

	sess.mu.Lock()
	sess.subs[jobID] = sub
	sess.mu.Unlock()

	go func() {
		<-sub.Done()
		sess.mu.Lock()
		if sess.subs[jobID] == sub {
			delete(sess.subs, jobID)
		}
		sess.mu.Unlock()
	}()
}

func (sess *wsSession) unsubscribe(jobID string) {
	sess.mu.Lock()
	sub, ok := sess.subs[jobID]
	delete(sess.subs, jobID)
	sess.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// pong carries no job id, so it refreshes every subscription on the connection.
func (sess *wsSession) pong() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, sub := range sess.subs {
		sub.Pong()
	}
}

func (sess *wsSession) close() {
	sess.sink.close()

	sess.mu.Lock()
	subs := sess.subs
	sess.subs = make(map[string]*progress.Subscription)
	sess.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// wsSink adapts a websocket connection to progress.Sink. Writes are
// serialized; Done closes once the connection is gone.
type wsSink struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn, done: make(chan struct{})}
}

func (k *wsSink) SendUpdate(u progress.Update) error {
	u.Type = progress.TypeUpdate
	return k.send(u)
}

func (k *wsSink) SendPing() error {
	return k.send(progress.Control{Type: progress.TypePing, Timestamp: time.Now().UnixMilli()})
}

func (k *wsSink) Done() <-chan struct{} {
	return k.done
}

func (k *wsSink) send(v any) error {
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	k.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := k.conn.WriteJSON(v); err != nil {
		k.close()
		return err
	}
	return nil
}

func (k *wsSink) sendError(jobID, message string) {
	k.send(progress.Control{
		Type:         progress.TypeError,
		GenerationID: jobID,
		Message:      message,
		Timestamp:    time.Now().UnixMilli(),
	})
}

func (k *wsSink) read() ([]byte, error) {
	for {
		mt, data, err := k.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func (k *wsSink) close() {
	k.once.Do(func() {
		close(k.done)
		k.conn.Close()
	})
}

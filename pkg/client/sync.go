package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/genbroker/pkg/progress"
)

// State is the lifecycle state of a StatusSync.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StatePolling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StatePolling:
		return "polling"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event is one item of the stream a StatusSync surfaces. Exactly one of
// Update and Err is set, or neither for a bare state change.
type Event struct {
	State        State
	Update       *progress.Update
	Err          error
	Reconnecting bool
}

// StatusFetcher is the pull path.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (JobStatus, error)
}

// SyncConfig tunes a StatusSync. Zero fields take the defaults.
type SyncConfig struct {
	// DisableReconnect sends the sync straight to polling when an
	// established push connection drops.
	DisableReconnect bool
	// MaxReconnects is the number of consecutive failed reconnects before
	// falling back to polling.
	MaxReconnects  int
	Backoff        BackoffStrategy
	Poll           PollSchedule
	Timeout        time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.Backoff == nil {
		c.Backoff = ReconnectBackoff()
	}
	if c.Poll == (PollSchedule{}) {
		c.Poll = DefaultPollSchedule()
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type syncMode int

const (
	modeIdle syncMode = iota
	modeReconnect
	modePoll
)

type inbound struct {
	data []byte
	err  error
}

// StatusSync follows one job. It prefers the push channel and falls back to
// polling; a single goroutine owns all state, and at most one timer
// (reconnect or poll) is armed at any time.
type StatusSync struct {
	jobID   string
	dialer  PushDialer
	fetcher StatusFetcher
	cfg     SyncConfig

	events     chan Event
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	startOnce  sync.Once

	mu    sync.Mutex
	state State

	// owned by run
	conn        PushConn
	msgs        chan inbound
	stopReader  chan struct{}
	timer       *time.Timer
	timerC      <-chan time.Time
	mode        syncMode
	reconnects  int
	subscribed  bool
	pollAttempt int
	lastPollErr error
	last        *progress.Update
}

// NewStatusSync creates a sync for jobID. dialer may be nil, in which case
// the sync polls from the start.
func NewStatusSync(jobID string, dialer PushDialer, fetcher StatusFetcher, cfg SyncConfig) *StatusSync {
	return &StatusSync{
		jobID:   jobID,
		dialer:  dialer,
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		events:  make(chan Event, 16),
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateDisconnected,
	}
}

// Start begins following the job. Calling it more than once has no effect.
func (s *StatusSync) Start(ctx context.Context) {
	s.startOnce.Do(func() { go s.run(ctx) })
}

// Events is closed once the sync reaches StateClosed.
func (s *StatusSync) Events() <-chan Event { return s.events }

// Done is closed once the sync has stopped.
func (s *StatusSync) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *StatusSync) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel stops the sync from any state. It is safe to call more than once
// and before Start.
func (s *StatusSync) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

func (s *StatusSync) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *StatusSync) emit(ev Event) {
	ev.State = s.State()
	select {
	case s.events <- ev:
	case <-s.cancel:
	}
}

func (s *StatusSync) transition(st State, reconnecting bool, err error) {
	s.setState(st)
	s.emit(Event{Reconnecting: reconnecting, Err: err})
}

func (s *StatusSync) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.teardown()

	deadline := time.NewTimer(s.cfg.Timeout)
	defer deadline.Stop()

	// opCtx bounds dials and polls so Cancel interrupts them mid-flight.
	opCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-s.cancel:
			stop()
		case <-opCtx.Done():
		}
	}()

	if s.dialer != nil {
		s.connect(opCtx)
	} else {
		s.startPolling()
	}

	for s.State() != StateClosed {
		select {
		case <-s.cancel:
			s.disarm()
			s.closeConn(true)
			s.setState(StateClosed)
			return
		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		case <-deadline.C:
			s.finish(fmt.Errorf("%w: no terminal status within %s", ErrTimeout, s.cfg.Timeout))
			return
		case <-s.timerC:
			s.timer, s.timerC = nil, nil
			switch s.mode {
			case modeReconnect:
				s.connect(opCtx)
			case modePoll:
				s.poll(opCtx)
			}
		case in := <-s.msgs:
			s.handle(in)
		}
	}
}

// finish surfaces err, if any, and closes the sync.
func (s *StatusSync) finish(err error) {
	s.disarm()
	s.closeConn(true)
	s.setState(StateClosed)
	if err != nil {
		s.emit(Event{Err: err})
	} else {
		s.emit(Event{})
	}
}

func (s *StatusSync) cancelled() bool {
	select {
	case <-s.cancel:
		return true
	default:
		return false
	}
}

func (s *StatusSync) teardown() {
	s.disarm()
	s.closeConn(false)
}

func (s *StatusSync) arm(d time.Duration, mode syncMode) {
	s.disarm()
	s.mode = mode
	s.timer = time.NewTimer(d)
	s.timerC = s.timer.C
}

func (s *StatusSync) disarm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer, s.timerC = nil, nil
	s.mode = modeIdle
}

func (s *StatusSync) connect(ctx context.Context) {
	s.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	conn, err := s.dialer.Dial(dialCtx)
	cancel()
	if s.cancelled() {
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.pushFailed(fmt.Errorf("%w: %v", ErrNetwork, err))
		return
	}

	if err := conn.WriteJSON(progress.Control{Type: progress.TypeSubscribe, GenerationID: s.jobID}); err != nil {
		conn.Close()
		s.pushFailed(fmt.Errorf("%w: subscribe: %v", ErrNetwork, err))
		return
	}

	s.conn = conn
	s.msgs = make(chan inbound)
	s.stopReader = make(chan struct{})
	go readLoop(conn, s.msgs, s.stopReader)

	s.reconnects = 0
	s.subscribed = true
	s.transition(StateSubscribed, false, nil)
	s.cfg.Logger.Debug("push channel subscribed", "generation_id", s.jobID)
}

func readLoop(conn PushConn, out chan<- inbound, stop <-chan struct{}) {
	for {
		data, err := conn.ReadMessage()
		select {
		case out <- inbound{data: data, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *StatusSync) closeConn(unsubscribe bool) {
	if s.conn == nil {
		return
	}
	if unsubscribe {
		_ = s.conn.WriteJSON(progress.Control{Type: progress.TypeUnsubscribe, GenerationID: s.jobID})
	}
	close(s.stopReader)
	s.conn.Close()
	s.conn, s.msgs, s.stopReader = nil, nil, nil
}

func (s *StatusSync) handle(in inbound) {
	if in.err != nil {
		s.closeConn(false)
		s.pushFailed(fmt.Errorf("%w: push channel closed: %v", ErrNetwork, in.err))
		return
	}

	typ, err := progress.PeekType(in.data)
	if err != nil {
		s.cfg.Logger.Debug("ignoring undecodable push frame", "generation_id", s.jobID, "error", err)
		return
	}

	switch typ {
	case progress.TypeUpdate:
		var u progress.Update
		if err := json.Unmarshal(in.data, &u); err != nil {
			s.cfg.Logger.Debug("ignoring malformed update", "generation_id", s.jobID, "error", err)
			return
		}
		if u.GenerationID != "" && u.GenerationID != s.jobID {
			return
		}
		s.deliver(u)

	case progress.TypePing:
		pong := progress.Control{Type: progress.TypePong, Timestamp: time.Now().UnixMilli()}
		if err := s.conn.WriteJSON(pong); err != nil {
			s.closeConn(false)
			s.pushFailed(fmt.Errorf("%w: pong: %v", ErrNetwork, err))
		}

	case progress.TypeError:
		var c progress.Control
		_ = json.Unmarshal(in.data, &c)
		s.closeConn(false)
		s.pushFailed(fmt.Errorf("%w: %s", ErrPushRejected, c.Message))
	}
}

// deliver surfaces u and closes the sync when u is terminal.
func (s *StatusSync) deliver(u progress.Update) {
	if s.last != nil && s.last.Status == u.Status && s.last.Progress == u.Progress && s.last.Timestamp == u.Timestamp {
		return
	}
	s.last = &u
	s.emit(Event{Update: &u})
	if u.Status.Terminal() {
		s.finish(nil)
	}
}

// pushFailed decides between reconnecting and polling. Only a connection that
// was once subscribed is retried; a push path that never came up goes
// straight to polling.
func (s *StatusSync) pushFailed(err error) {
	if s.subscribed && !s.cfg.DisableReconnect && s.reconnects < s.cfg.MaxReconnects {
		delay := s.cfg.Backoff.Next(s.reconnects)
		s.reconnects++
		s.cfg.Logger.Debug("push channel lost, reconnecting",
			"generation_id", s.jobID, "attempt", s.reconnects, "delay", delay, "error", err)
		s.arm(delay, modeReconnect)
		s.transition(StateDisconnected, true, err)
		return
	}
	s.cfg.Logger.Debug("push channel unavailable, polling", "generation_id", s.jobID, "error", err)
	s.startPolling()
}

func (s *StatusSync) startPolling() {
	s.pollAttempt = 0
	s.lastPollErr = nil
	s.arm(s.cfg.Poll.Interval(1), modePoll)
	s.transition(StatePolling, false, nil)
}

func (s *StatusSync) poll(ctx context.Context) {
	s.pollAttempt++

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	st, err := s.fetcher.JobStatus(reqCtx, s.jobID)
	cancel()
	if s.cancelled() {
		return
	}

	switch {
	case err != nil && fatal(err):
		s.finish(err)
		return
	case err != nil:
		s.lastPollErr = err
		s.cfg.Logger.Debug("poll failed", "generation_id", s.jobID, "attempt", s.pollAttempt, "error", err)
	default:
		s.lastPollErr = nil
		if u, ok := s.fromStatus(st); ok {
			s.deliver(u)
			if s.State() == StateClosed {
				return
			}
		}
	}

	if s.pollAttempt >= s.cfg.Poll.MaxAttempts {
		if s.lastPollErr != nil {
			s.finish(fmt.Errorf("%w: %d poll attempts exhausted: %w", ErrTimeout, s.pollAttempt, s.lastPollErr))
		} else {
			s.finish(fmt.Errorf("%w: %d poll attempts exhausted", ErrTimeout, s.pollAttempt))
		}
		return
	}
	s.arm(s.cfg.Poll.Interval(s.pollAttempt+1), modePoll)
}

func (s *StatusSync) fromStatus(st JobStatus) (progress.Update, bool) {
	status := st.StatusNormalized
	if status == "" {
		status = progress.Status(st.Status)
	}
	if !status.Valid() {
		return progress.Update{}, false
	}
	u := progress.Update{
		Type:         progress.TypeUpdate,
		GenerationID: s.jobID,
		Status:       status,
		Progress:     st.Progress,
		AudioURL:     st.AudioURL,
		Error:        st.Error,
	}
	if u.AudioURL == "" {
		for _, tr := range st.Tracks {
			if tr.AudioURL != "" {
				u.AudioURL = tr.AudioURL
				break
			}
		}
	}
	if status == progress.StatusComplete {
		u.Progress = 100
	}
	// Pull answers carry no timestamp; dedupe on content instead.
	if s.last != nil && s.last.Status == u.Status && s.last.Progress == u.Progress {
		return progress.Update{}, false
	}
	u.Timestamp = time.Now().UnixMilli()
	return u, true
}

// Wait blocks until the sync stops and returns the terminal update, or the
// error that ended it.
func (s *StatusSync) Wait(ctx context.Context) (*progress.Update, error) {
	var (
		last    *progress.Update
		lastErr error
	)
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				if last != nil && last.Status.Terminal() {
					return last, nil
				}
				if lastErr == nil {
					lastErr = errors.New("status sync cancelled")
				}
				return last, lastErr
			}
			if ev.Update != nil {
				last = ev.Update
			}
			if ev.Err != nil && !ev.Reconnecting {
				lastErr = ev.Err
			}
		case <-ctx.Done():
			s.Cancel()
			return last, ctx.Err()
		}
	}
}

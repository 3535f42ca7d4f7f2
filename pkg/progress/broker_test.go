package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []Update
	pings   int
	done    chan struct{}
	gate    chan struct{}
	failErr error
}

func newSink() *recordingSink {
	return &recordingSink{done: make(chan struct{})}
}

func (s *recordingSink) SendUpdate(u Update) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingSink) SendPing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return nil
}

func (s *recordingSink) Done() <-chan struct{} { return s.done }

func (s *recordingSink) received() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Update, len(s.updates))
	copy(out, s.updates)
	return out
}

func (s *recordingSink) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func newTestBroker(cfg Config) (*Broker, *MemoryBus) {
	bus := NewMemoryBus()
	return NewBroker(bus, NewMemoryCache(), cfg), bus
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestSubscribeReceivesCachedThenLive(t *testing.T) {
	b, _ := newTestBroker(Config{})
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, Update{GenerationID: "job-1", Status: StatusProcessing, Progress: 40, Timestamp: 1}))

	sink := newSink()
	sub, err := b.Subscribe(ctx, "job-1", sink)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, waitFor, tick)
	first := sink.received()[0]
	assert.Equal(t, 40, first.Progress)
	assert.Equal(t, TypeUpdate, first.Type)

	require.NoError(t, b.Publish(ctx, Update{GenerationID: "job-1", Status: StatusProcessing, Progress: 60, Timestamp: 2}))
	require.Eventually(t, func() bool { return len(sink.received()) == 2 }, waitFor, tick)
	assert.Equal(t, 60, sink.received()[1].Progress)
}

func TestSubscribeWithoutHistoryWaitsForLive(t *testing.T) {
	b, _ := newTestBroker(Config{})
	ctx := context.Background()

	sink := newSink()
	sub, err := b.Subscribe(ctx, "job-2", sink)
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.received())

	require.NoError(t, b.Publish(ctx, Update{GenerationID: "job-2", Status: StatusQueued}))
	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, waitFor, tick)
	assert.NotZero(t, sink.received()[0].Timestamp, "publish stamps missing timestamps")
}

func TestUpdatesArriveInPublishOrder(t *testing.T) {
	b, _ := newTestBroker(Config{MailboxSize: 256})
	ctx := context.Background()

	sink := newSink()
	sub, err := b.Subscribe(ctx, "job-3", sink)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i <= 100; i++ {
		require.NoError(t, b.Publish(ctx, Update{GenerationID: "job-3", Status: StatusProcessing, Progress: i, Timestamp: int64(i + 1)}))
	}

	require.Eventually(t, func() bool { return len(sink.received()) == 101 }, waitFor, tick)
	for i, u := range sink.received() {
		assert.Equal(t, i, u.Progress)
	}
}

func TestTerminalUpdateReleasesChannel(t *testing.T) {
	b, bus := newTestBroker(Config{Grace: 20 * time.Millisecond})
	ctx := context.Background()

	sink := newSink()
	sub, err := b.Subscribe(ctx, "job-4", sink)
	require.NoError(t, err)
	require.Equal(t, 1, b.Channels())
	require.Equal(t, 1, bus.Topics())

	require.NoError(t, b.Publish(ctx, Update{GenerationID: "job-4", Status: StatusComplete, Progress: 100, AudioURL: "https://cdn.example/a.mp3"}))

	require.Eventually(t, func() bool { return isClosed(sub.Done()) }, waitFor, tick)
	assert.Equal(t, 0, b.Channels())
	assert.Equal(t, 0, bus.Topics())

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, "https://cdn.example/a.mp3", got[0].AudioURL)

	// A late subscriber still sees the terminal state, then is let go.
	late := newSink()
	lateSub, err := b.Subscribe(ctx, "job-4", late)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return isClosed(lateSub.Done()) }, waitFor, tick)
	require.Len(t, late.received(), 1)
	assert.Equal(t, StatusComplete, late.received()[0].Status)
}

// racingCache publishes a terminal update the first time Subscribe reads the
// cache, either just before or just after the read.
type racingCache struct {
	*MemoryCache
	broker      *Broker
	publishLast bool
	once        sync.Once
}

func (c *racingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	publish := func() {
		c.once.Do(func() {
			_ = c.broker.Publish(ctx, Update{GenerationID: "job-race", Status: StatusComplete, Progress: 100, Timestamp: 2})
		})
	}
	if !c.publishLast {
		publish()
	}
	data, ok, err := c.MemoryCache.Get(ctx, key)
	if c.publishLast {
		publish()
	}
	return data, ok, err
}

func TestSubscribeDoesNotMissUpdateDuringAttach(t *testing.T) {
	for _, tc := range []struct {
		name        string
		publishLast bool
	}{
		{"published after cache read", true},
		{"published before cache read", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			cache := &racingCache{MemoryCache: NewMemoryCache(), publishLast: tc.publishLast}
			b := NewBroker(NewMemoryBus(), cache, Config{Grace: 20 * time.Millisecond})
			cache.broker = b

			require.NoError(t, b.Publish(ctx, Update{GenerationID: "job-race", Status: StatusProcessing, Progress: 50, Timestamp: 1}))

			sink := newSink()
			sub, err := b.Subscribe(ctx, "job-race", sink)
			require.NoError(t, err)

			require.Eventually(t, func() bool { return isClosed(sub.Done()) }, waitFor, tick, "terminal update must release the subscription")
			got := sink.received()
			require.NotEmpty(t, got)
			assert.Equal(t, StatusComplete, got[len(got)-1].Status)
			for i := 1; i < len(got); i++ {
				assert.Greater(t, got[i].Timestamp, got[i-1].Timestamp, "updates must not repeat or go backwards")
			}
			assert.Equal(t, 0, b.Channels())
		})
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b, _ := newTestBroker(Config{MailboxSize: 128})
	ctx := context.Background()

	slow := newSink()
	slow.gate = make(chan struct{})
	fast := newSink()

	slowSub, err := b.Subscribe(ctx, "job-5", slow)
	require.NoError(t, err)
	defer slowSub.Close()
	fastSub, err := b.Subscribe(ctx, "job-5", fast)
	require.NoError(t, err)
	defer fastSub.Close()

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 1; i <= 100; i++ {
			_ = b.Publish(ctx, Update{GenerationID: "job-5", Status: StatusProcessing, Progress: i % 101, Timestamp: int64(i)})
		}
	}()

	select {
	case <-published:
	case <-time.After(waitFor):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	require.Eventually(t, func() bool { return len(fast.received()) == 100 }, waitFor, tick)

	close(slow.gate)
	require.Eventually(t, func() bool { return len(slow.received()) == 100 }, waitFor, tick)
}

func TestMailboxOverflowDropsOldest(t *testing.T) {
	b, _ := newTestBroker(Config{MailboxSize: 4})
	ctx := context.Background()

	slow := newSink()
	slow.gate = make(chan struct{})
	sub, err := b.Subscribe(ctx, "job-6", slow)
	require.NoError(t, err)
	defer sub.Close()

	for i := 1; i <= 10; i++ {
		require.NoError(t, b.Publish(ctx, Update{GenerationID: "job-6", Status: StatusProcessing, Progress: i, Timestamp: int64(i)}))
	}
	close(slow.gate)

	require.Eventually(t, func() bool {
		got := slow.received()
		return len(got) > 0 && got[len(got)-1].Progress == 10
	}, waitFor, tick)
	// At most one frame in flight plus a full mailbox.
	assert.LessOrEqual(t, len(slow.received()), 5)
}

func TestHeartbeatPingsSubscribers(t *testing.T) {
	b, _ := newTestBroker(Config{Heartbeat: 10 * time.Millisecond})
	sink := newSink()
	sub, err := b.Subscribe(context.Background(), "job-7", sink)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return sink.pingCount() >= 2 }, waitFor, tick)
}

func TestPongTimeoutClosesSilentSubscriber(t *testing.T) {
	b, _ := newTestBroker(Config{Heartbeat: 10 * time.Millisecond, PongTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	silent := newSink()
	silentSub, err := b.Subscribe(ctx, "job-8", silent)
	require.NoError(t, err)

	chatty := newSink()
	chattySub, err := b.Subscribe(ctx, "job-8", chatty)
	require.NoError(t, err)
	defer chattySub.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				chattySub.Pong()
			}
		}
	}()

	require.Eventually(t, func() bool { return isClosed(silentSub.Done()) }, waitFor, tick)
	assert.False(t, isClosed(chattySub.Done()))
	assert.Equal(t, 1, b.Subscribers("job-8"))
}

func TestSinkDoneDetaches(t *testing.T) {
	b, _ := newTestBroker(Config{})
	sink := newSink()
	sub, err := b.Subscribe(context.Background(), "job-9", sink)
	require.NoError(t, err)
	require.Equal(t, 1, b.Subscribers("job-9"))

	close(sink.done)
	require.Eventually(t, func() bool { return isClosed(sub.Done()) }, waitFor, tick)
	assert.Equal(t, 0, b.Subscribers("job-9"))
	assert.Equal(t, 0, b.Channels())
}

func TestSinkWriteErrorDetaches(t *testing.T) {
	b, _ := newTestBroker(Config{})
	ctx := context.Background()

	sink := newSink()
	sink.failErr = errors.New("broken pipe")
	sub, err := b.Subscribe(ctx, "job-10", sink)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Update{GenerationID: "job-10", Status: StatusQueued}))
	require.Eventually(t, func() bool { return isClosed(sub.Done()) }, waitFor, tick)
}

func TestCloseIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(Config{})
	sub, err := b.Subscribe(context.Background(), "job-11", newSink())
	require.NoError(t, err)

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.Channels())
}

func TestPublishValidation(t *testing.T) {
	b, _ := newTestBroker(Config{})
	ctx := context.Background()

	tests := []struct {
		name   string
		update Update
	}{
		{"missing job", Update{Status: StatusQueued}},
		{"unknown status", Update{GenerationID: "j", Status: "paused"}},
		{"progress above range", Update{GenerationID: "j", Status: StatusProcessing, Progress: 101}},
		{"negative progress", Update{GenerationID: "j", Status: StatusProcessing, Progress: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Publish(ctx, tt.update)
			assert.ErrorIs(t, err, ErrInvalidUpdate)
		})
	}
}

func TestSnapshot(t *testing.T) {
	b, _ := newTestBroker(Config{})
	ctx := context.Background()

	_, ok, err := b.Snapshot(ctx, "job-12")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Publish(ctx, Update{GenerationID: "job-12", Status: StatusFailed, Error: "upstream rejected"}))
	u, ok, err := b.Snapshot(ctx, "job-12")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, u.Status)
	assert.Equal(t, "upstream rejected", u.Error)
}

type failingBus struct{ MemoryBus }

func (failingBus) Subscribe(context.Context, string, func([]byte)) (func(), error) {
	return nil, errors.New("connection refused")
}

func TestSubscribeFailsWhenBusUnavailable(t *testing.T) {
	b := NewBroker(&failingBus{}, NewMemoryCache(), Config{})
	_, err := b.Subscribe(context.Background(), "job-13", newSink())
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Equal(t, 0, b.Channels())
}

func TestBrokerClose(t *testing.T) {
	b, _ := newTestBroker(Config{})
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "job-14", newSink())
	require.NoError(t, err)

	b.Close()
	assert.True(t, isClosed(sub.Done()))
	assert.ErrorIs(t, b.Publish(ctx, Update{GenerationID: "job-14", Status: StatusQueued}), ErrBrokerClosed)
	_, err = b.Subscribe(ctx, "job-14", newSink())
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	now = now.Add(time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, c.SetWithTTL(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, c.SetWithTTL(ctx, "b", []byte("2"), time.Hour))
	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, c.Prune())
}

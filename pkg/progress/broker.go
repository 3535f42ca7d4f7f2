package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultCacheTTL        = time.Hour
	DefaultGrace           = 2 * time.Second
	DefaultHeartbeat       = 30 * time.Second
	DefaultMailboxSize     = 64
	DefaultJanitorInterval = time.Minute

	topicPrefix    = "generation:"
	cacheKeyPrefix = "generation:last:"
)

// Topic is the bus topic carrying updates for jobID.
func Topic(jobID string) string { return topicPrefix + jobID }

// CacheKey is the cache key holding the last update for jobID.
func CacheKey(jobID string) string { return cacheKeyPrefix + jobID }

// Config tunes broker timing. Zero fields take the defaults.
type Config struct {
	CacheTTL  time.Duration
	Grace     time.Duration
	Heartbeat time.Duration
	// PongTimeout closes subscribers that have not answered a ping for this
	// long. Zero disables the check.
	PongTimeout     time.Duration
	MailboxSize     int
	JanitorInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
	return c
}

// Sink is the delivery end of one subscriber, usually a push connection.
// Done is closed when the peer goes away.
type Sink interface {
	SendUpdate(Update) error
	SendPing() error
	Done() <-chan struct{}
}

// Broker routes updates from publishers to subscribers through a Bus, so
// publishers and subscribers may live on different replicas.
type Broker struct {
	bus    Bus
	cache  Cache
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
}

type Option func(*Broker)

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// NewBroker creates a broker on top of bus and cache.
func NewBroker(bus Bus, cache Cache, cfg Config, opts ...Option) *Broker {
	b := &Broker{
		bus:      bus,
		cache:    cache,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		now:      time.Now,
		channels: make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish caches u as the job's latest state and broadcasts it. It does not
// wait for any subscriber.
func (b *Broker) Publish(ctx context.Context, u Update) error {
	u.Type = TypeUpdate
	if u.Timestamp == 0 {
		u.Timestamp = b.now().UnixMilli()
	}
	if err := u.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBrokerClosed
	}

	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	if err := b.cache.SetWithTTL(ctx, CacheKey(u.GenerationID), data, b.cfg.CacheTTL); err != nil {
		return fmt.Errorf("%w: cache last update: %v", ErrChannelUnavailable, err)
	}
	if err := b.bus.Publish(ctx, Topic(u.GenerationID), data); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrChannelUnavailable, err)
	}

	PublishedTotal.WithLabelValues(string(u.Status)).Inc()
	b.logger.Debug("progress published", "generation_id", u.GenerationID, "status", u.Status, "progress", u.Progress)
	return nil
}

// Subscribe attaches sink to jobID. If a cached update exists it is delivered
// first, followed by every live update in publication order. The subscription
// ends on Close, when sink.Done fires, or a grace period after a terminal update.
func (b *Broker) Subscribe(ctx context.Context, jobID string, sink Sink) (*Subscription, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: generationId is required", ErrInvalidUpdate)
	}

	var sub *Subscription
	for {
		ch, err := b.channelFor(jobID)
		if err != nil {
			return nil, err
		}
		s, retry, err := ch.attach(ctx, sink)
		if retry {
			continue
		}
		if err != nil {
			return nil, err
		}
		sub = s
		break
	}

	// The cache is read only after the bus subscription exists, so an update
	// published in between is either in the cache or buffered on sub.
	var cached *Update
	data, ok, err := b.cache.Get(ctx, CacheKey(jobID))
	switch {
	case err != nil:
		b.logger.Warn("progress cache read failed", "generation_id", jobID, "error", err)
	case ok:
		u, err := decodeUpdate(data)
		if err != nil {
			b.logger.Warn("discarding undecodable cached update", "generation_id", jobID, "error", err)
		} else {
			cached = &u
		}
	}
	sub.ch.activate(sub, cached)

	go sub.pump()
	b.logger.Debug("progress subscriber attached", "generation_id", jobID)
	return sub, nil
}

// Snapshot returns the cached last update for jobID.
func (b *Broker) Snapshot(ctx context.Context, jobID string) (Update, bool, error) {
	data, ok, err := b.cache.Get(ctx, CacheKey(jobID))
	if err != nil {
		return Update{}, false, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	if !ok {
		return Update{}, false, nil
	}
	u, err := decodeUpdate(data)
	if err != nil {
		return Update{}, false, fmt.Errorf("decode cached update: %w", err)
	}
	return u, true, nil
}

// Channels returns the number of jobs with live subscribers on this replica.
func (b *Broker) Channels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// Subscribers returns the number of local subscribers for jobID.
func (b *Broker) Subscribers(jobID string) int {
	b.mu.Lock()
	ch := b.channels[jobID]
	b.mu.Unlock()
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// Start runs the janitor until ctx is done.
func (b *Broker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweep()
			}
		}
	}()
}

type pruner interface {
	Prune() int
}

func (b *Broker) sweep() {
	if p, ok := b.cache.(pruner); ok {
		if n := p.Prune(); n > 0 {
			b.logger.Debug("pruned expired progress entries", "count", n)
		}
	}
}

// Close detaches every subscriber and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	chans := make([]*channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		for _, s := range ch.snapshotSubs() {
			s.Close()
		}
	}
}

func (b *Broker) channelFor(jobID string) (*channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	ch, ok := b.channels[jobID]
	if !ok {
		ch = &channel{
			jobID:  jobID,
			broker: b,
			subs:   make(map[*Subscription]struct{}),
		}
		b.channels[jobID] = ch
		ChannelsGauge.Set(float64(len(b.channels)))
	}
	return ch, nil
}

func (b *Broker) forget(ch *channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channels[ch.jobID] == ch {
		delete(b.channels, ch.jobID)
		ChannelsGauge.Set(float64(len(b.channels)))
	}
}

// channel is the local end of one job's bus topic. Lock order is
// channel.mu before Broker.mu.
type channel struct {
	jobID  string
	broker *Broker

	mu            sync.Mutex
	subs          map[*Subscription]struct{}
	last          *Update
	unsubscribe   func()
	stopHeartbeat chan struct{}
	released      bool
}

// attach registers a pending subscription. Updates dispatched before
// activate are buffered on it.
func (c *channel) attach(ctx context.Context, sink Sink) (*Subscription, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return nil, true, nil
	}
	if c.unsubscribe == nil {
		unsub, err := c.broker.bus.Subscribe(ctx, Topic(c.jobID), c.dispatch)
		if err != nil {
			c.releaseLocked()
			return nil, false, fmt.Errorf("%w: subscribe: %v", ErrChannelUnavailable, err)
		}
		c.unsubscribe = unsub
		c.stopHeartbeat = make(chan struct{})
		go c.heartbeat(c.stopHeartbeat)
	}

	s := newSubscription(c, sink)
	s.pending = true
	if c.last != nil {
		s.buffered = append(s.buffered, *c.last)
	}
	c.subs[s] = struct{}{}
	SubscribersGauge.Inc()
	return s, false, nil
}

// activate merges the cached update with whatever arrived while s was
// pending. The newest of them is sent first, then any later updates in
// arrival order.
func (c *channel) activate(s *Subscription, cached *Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buffered := s.buffered
	s.buffered = nil
	s.pending = false

	initial := cached
	rest := buffered
	for i := range buffered {
		if initial == nil || buffered[i].Timestamp >= initial.Timestamp {
			initial = &buffered[i]
			rest = buffered[i+1:]
		}
	}
	if initial == nil {
		return
	}

	s.enqueue(frame{update: *initial})
	s.initial = *initial
	s.hasInitial = true
	for _, u := range rest {
		if u.Timestamp < initial.Timestamp || sameUpdate(*initial, u) {
			continue
		}
		s.enqueue(frame{update: u})
	}
}

func (c *channel) dispatch(data []byte) {
	u, err := decodeUpdate(data)
	if err != nil {
		c.broker.logger.Warn("discarding undecodable update", "generation_id", c.jobID, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.last = &u
	for s := range c.subs {
		if s.pending {
			s.buffered = append(s.buffered, u)
			continue
		}
		s.deliver(u)
	}
}

func (c *channel) detach(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[s]; !ok {
		return
	}
	delete(c.subs, s)
	SubscribersGauge.Dec()
	if len(c.subs) == 0 {
		c.releaseLocked()
	}
}

func (c *channel) releaseLocked() {
	if c.released {
		return
	}
	c.released = true
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
	}
	c.broker.forget(c)
	c.broker.logger.Debug("progress channel released", "generation_id", c.jobID)
}

func (c *channel) snapshotSubs() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *channel) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(c.broker.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.ping()
		}
	}
}

func (c *channel) ping() {
	timeout := c.broker.cfg.PongTimeout
	now := c.broker.now()

	var stale []*Subscription
	c.mu.Lock()
	for s := range c.subs {
		if timeout > 0 && now.Sub(s.lastPongAt()) > timeout {
			stale = append(stale, s)
			continue
		}
		s.enqueue(frame{ping: true})
	}
	c.mu.Unlock()

	for _, s := range stale {
		c.broker.logger.Info("closing unresponsive subscriber", "generation_id", c.jobID)
		s.Close()
	}
}

type frame struct {
	update Update
	ping   bool
}

// Subscription is one subscriber's attachment to a job channel. Frames are
// queued in a bounded mailbox and written by a dedicated goroutine, so a slow
// sink only delays itself; on overflow the oldest frame is dropped.
type Subscription struct {
	ch   *channel
	sink Sink

	// guarded by ch.mu
	initial    Update
	hasInitial bool
	pending    bool
	buffered   []Update

	mu       sync.Mutex
	queue    []frame
	lastPong time.Time
	grace    *time.Timer

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(c *channel, sink Sink) *Subscription {
	return &Subscription{
		ch:       c,
		sink:     sink,
		lastPong: c.broker.now(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// JobID returns the job this subscription follows.
func (s *Subscription) JobID() string { return s.ch.jobID }

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Pong records a heartbeat answer from the peer.
func (s *Subscription) Pong() {
	s.mu.Lock()
	s.lastPong = s.ch.broker.now()
	s.mu.Unlock()
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.grace != nil {
			s.grace.Stop()
		}
		s.queue = nil
		s.mu.Unlock()
		s.ch.detach(s)
	})
}

func (s *Subscription) lastPongAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

// deliver is called with ch.mu held.
func (s *Subscription) deliver(u Update) {
	if s.hasInitial {
		s.hasInitial = false
		if sameUpdate(s.initial, u) {
			return
		}
	}
	s.enqueue(frame{update: u})
}

func (s *Subscription) enqueue(f frame) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	if len(s.queue) >= s.ch.broker.cfg.MailboxSize {
		s.queue[0] = frame{}
		s.queue = s.queue[1:]
		DroppedTotal.Inc()
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return frame{}, false
	}
	f := s.queue[0]
	s.queue[0] = frame{}
	s.queue = s.queue[1:]
	return f, true
}

func (s *Subscription) armGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grace == nil {
		s.grace = time.AfterFunc(s.ch.broker.cfg.Grace, s.Close)
	}
}

func (s *Subscription) pump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.sink.Done():
			s.Close()
			return
		case <-s.notify:
		}

		for {
			select {
			case <-s.done:
				return
			default:
			}
			f, ok := s.pop()
			if !ok {
				break
			}

			var err error
			if f.ping {
				err = s.sink.SendPing()
			} else {
				err = s.sink.SendUpdate(f.update)
			}
			if err != nil {
				s.ch.broker.logger.Debug("subscriber write failed", "generation_id", s.ch.jobID, "error", err)
				s.Close()
				return
			}
			if !f.ping && f.update.Status.Terminal() {
				s.armGrace()
			}
		}
	}
}

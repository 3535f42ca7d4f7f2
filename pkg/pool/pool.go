// Package pool owns the set of brokered credentials. All selection, rotation
// and health transitions go through a single mutex so that choosing a
// credential and reserving quota on it happen as one step.
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rmax-ai/genbroker/pkg/credential"
)

var (
	// ErrNoCredentialAvailable is returned when the eligible subset is empty.
	ErrNoCredentialAvailable = errors.New("no credential available")
	// ErrDuplicateCredential is returned when the same secret is already pooled.
	ErrDuplicateCredential = fmt.Errorf("%w: duplicate credential", credential.ErrInvalid)
	// ErrUnknownCredential is returned for ids the pool does not hold.
	ErrUnknownCredential = errors.New("unknown credential")
	// ErrUnknownLease is returned when settling or extending a lease that is
	// not outstanding: never issued, already settled, or lapsed.
	ErrUnknownLease = errors.New("unknown lease")
)

const (
	defaultLeaseTTL = 2 * time.Minute
	usageWindow     = 24 * time.Hour
	leaseNamePrefix = "credential:"
	defaultRetryMax = 3
)

// Store is the persistence collaborator. The pool is authoritative in memory
// and writes every mutation through.
type Store interface {
	ListCredentials(ctx context.Context) ([]credential.Credential, error)
	FindCredential(ctx context.Context, id string) (*credential.Credential, error)
	UpsertCredential(ctx context.Context, c credential.Credential) error
	DeleteCredential(ctx context.Context, id string) error
}

// LeaseStore grants cluster-wide exclusive use of a credential.
type LeaseStore interface {
	Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, name, holderID string, ttl time.Duration) error
	Release(ctx context.Context, name, holderID string) error
}

// QuotaGate counts daily usage shared by replicas. Reserve takes one unit of
// key's budget of max; Refund returns a unit whose call never happened.
type QuotaGate interface {
	Reserve(ctx context.Context, key string, max int) (bool, error)
	Refund(ctx context.Context, key string) error
}

// Lease is a reservation of one unit of quota on a credential. It must be
// settled with MarkUsed or MarkFailed; unsettled leases lapse after the
// pool's lease TTL.
type Lease struct {
	ID         string                `json:"lease_id"`
	Credential credential.Credential `json:"credential"`
	Deadline   time.Time             `json:"deadline"`
}

type entry struct {
	cred         credential.Credential
	seq          int64
	secretKey    string
	reservations map[string]time.Time
}

// Pool is the credential pool.
type Pool struct {
	mu       sync.Mutex
	entries  []*entry
	byID     map[string]*entry
	bySecret map[string]*entry
	nextSeq  int64

	// persistMu orders store writes against Remove so a snapshot of a
	// removed credential is never written back.
	persistMu sync.Mutex

	decoder       credential.ClaimsDecoder
	store         Store
	quota         QuotaGate
	leases        LeaseStore
	holderID      string
	leaseTTL      time.Duration
	maxConcurrent int
	defaultQuota  int
	retryMax      int
	now           func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithStore enables write-through persistence.
func WithStore(s Store) Option {
	return func(p *Pool) { p.store = s }
}

// WithQuotaGate adds a shared daily quota consulted when reserving, bounded
// by each credential's own DailyQuota. Replicas sharing credentials point
// this at the same backend.
func WithQuotaGate(g QuotaGate) Option {
	return func(p *Pool) { p.quota = g }
}

// WithLeases makes reservations exclusive across replicas.
func WithLeases(ls LeaseStore, holderID string) Option {
	return func(p *Pool) {
		p.leases = ls
		p.holderID = holderID
	}
}

// WithLeaseTTL sets how long an unsettled reservation is held.
func WithLeaseTTL(d time.Duration) Option {
	return func(p *Pool) { p.leaseTTL = d }
}

// WithMaxConcurrent bounds the in-flight reservations per credential.
// Zero means unbounded.
func WithMaxConcurrent(n int) Option {
	return func(p *Pool) { p.maxConcurrent = n }
}

// WithDefaultQuota sets the daily quota for records that do not carry one.
func WithDefaultQuota(n int) Option {
	return func(p *Pool) { p.defaultQuota = n }
}

// WithRetryBudget sets how many credentials WithCredential tries.
func WithRetryBudget(n int) Option {
	return func(p *Pool) { p.retryMax = n }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates an empty pool.
func New(decoder credential.ClaimsDecoder, opts ...Option) *Pool {
	p := &Pool{
		byID:         make(map[string]*entry),
		bySecret:     make(map[string]*entry),
		decoder:      decoder,
		leaseTTL:     defaultLeaseTTL,
		defaultQuota: credential.DefaultDailyQuota,
		retryMax:     defaultRetryMax,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Now returns the pool's current time.
func (p *Pool) Now() time.Time {
	return p.now()
}

// Load replaces the in-memory state with the persisted credentials.
func (p *Pool) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	creds, err := p.store.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	sort.SliceStable(creds, func(i, j int) bool {
		return creds[i].CreatedAt.Before(creds[j].CreatedAt)
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries = nil
	p.byID = make(map[string]*entry, len(creds))
	p.bySecret = make(map[string]*entry, len(creds))
	for _, c := range creds {
		p.insertLocked(c)
	}
	slog.Info("credential pool loaded", "count", len(creds))
	return nil
}

// AddCredential validates a record and inserts it as a healthy credential.
func (p *Pool) AddCredential(ctx context.Context, rec credential.Record) (credential.Credential, error) {
	c, err := rec.Build(p.decoder, p.now(), p.defaultQuota)
	if err != nil {
		return credential.Credential{}, err
	}

	p.mu.Lock()
	if _, dup := p.bySecret[secretKey(c.Secret)]; dup {
		p.mu.Unlock()
		return credential.Credential{}, ErrDuplicateCredential
	}
	e := p.insertLocked(c)
	snapshot := e.cred
	p.mu.Unlock()

	slog.Info("credential added", "credential", snapshot.Redacted(), "issuer", snapshot.Issuer, "tier", snapshot.Tier, "source", snapshot.Source)
	p.persist(ctx, snapshot)
	return snapshot, nil
}

// Acquire selects the least recently used eligible credential, preferring
// higher tiers, and reserves one unit of its quota. An empty tier accepts
// any tier; otherwise only credentials at or above the tier are considered.
//
// The reservation is taken under the pool lock; the shared quota and lease
// backends are consulted after it is released and the reservation is rolled
// back if either refuses.
func (p *Pool) Acquire(ctx context.Context, tier credential.Tier) (Lease, error) {
	skip := make(map[string]bool)
	for {
		r, ok := p.reserve(tier, skip)
		if !ok {
			break
		}
		if lease, ok := p.confirm(ctx, r); ok {
			AcquireTotal.WithLabelValues(tierLabel(tier), "ok").Inc()
			slog.Debug("credential acquired", "credential", lease.Credential.Redacted(), "lease_id", lease.ID)
			p.persist(ctx, lease.Credential)
			return lease, nil
		}
		skip[r.entry.cred.ID] = true
	}

	AcquireTotal.WithLabelValues(tierLabel(tier), "exhausted").Inc()
	return Lease{}, ErrNoCredentialAvailable
}

type reservation struct {
	entry        *entry
	leaseID      string
	deadline     time.Time
	quota        int
	prevLastUsed time.Time
}

// reserve picks the best candidate not in skip and holds a local
// reservation on it.
func (p *Pool) reserve(tier credential.Tier, skip map[string]bool) (reservation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.reclaimLocked(now)

	for _, e := range p.eligibleLocked(now, tier) {
		if skip[e.cred.ID] {
			continue
		}
		r := reservation{
			entry:        e,
			leaseID:      uuid.NewString(),
			deadline:     now.Add(p.leaseTTL),
			quota:        e.cred.DailyQuota,
			prevLastUsed: e.cred.LastUsedAt,
		}
		e.reservations[r.leaseID] = r.deadline
		e.cred.LastUsedAt = now
		return r, true
	}
	return reservation{}, false
}

// confirm runs the remote checks for r and turns it into a lease, or rolls
// it back.
func (p *Pool) confirm(ctx context.Context, r reservation) (Lease, bool) {
	e := r.entry
	id := e.cred.ID

	quotaTaken := false
	if p.quota != nil {
		ok, err := p.quota.Reserve(ctx, id, r.quota)
		if err != nil {
			slog.Warn("shared quota unavailable, skipping credential", "credential_id", id, "error", err)
		}
		if !ok {
			slog.Debug("credential skipped by shared quota", "credential_id", id)
			p.rollback(r)
			return Lease{}, false
		}
		quotaTaken = true
	}

	leaseHeld := false
	if p.leases != nil {
		ok, err := p.leases.Acquire(ctx, leaseNamePrefix+id, p.leaseHolder(r.leaseID), p.leaseTTL)
		if err != nil {
			slog.Warn("credential lease acquire failed", "credential_id", id, "error", err)
		}
		if !ok {
			p.refund(ctx, id, quotaTaken)
			p.rollback(r)
			return Lease{}, false
		}
		leaseHeld = true
	}

	p.mu.Lock()
	_, held := e.reservations[r.leaseID]
	if !held || p.byID[id] != e {
		// Removed or reclaimed while the remote checks ran.
		delete(e.reservations, r.leaseID)
		p.mu.Unlock()
		p.refund(ctx, id, quotaTaken)
		if leaseHeld {
			p.releaseLease(ctx, id, r.leaseID)
		}
		return Lease{}, false
	}
	e.cred.Version++
	snapshot := e.cred
	p.mu.Unlock()

	return Lease{ID: r.leaseID, Credential: snapshot, Deadline: r.deadline}, true
}

func (p *Pool) rollback(r reservation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(r.entry.reservations, r.leaseID)
	if len(r.entry.reservations) == 0 {
		r.entry.cred.LastUsedAt = r.prevLastUsed
	}
}

func (p *Pool) refund(ctx context.Context, credentialID string, taken bool) {
	if !taken || p.quota == nil {
		return
	}
	if err := p.quota.Refund(ctx, credentialID); err != nil {
		slog.Warn("shared quota refund failed", "credential_id", credentialID, "error", err)
	}
}

// settleLocked removes l's reservation. It fails unless l is outstanding.
func (p *Pool) settleLocked(l Lease) (*entry, error) {
	e, ok := p.byID[l.Credential.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCredential, l.Credential.ID)
	}
	deadline, ok := e.reservations[l.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLease, l.ID)
	}
	delete(e.reservations, l.ID)
	if !p.now().Before(deadline) {
		return nil, fmt.Errorf("%w: %s lapsed", ErrUnknownLease, l.ID)
	}
	return e, nil
}

// MarkUsed settles a lease as a successful call: usage is counted, the
// failure streak is cleared.
func (p *Pool) MarkUsed(ctx context.Context, l Lease) error {
	p.mu.Lock()
	e, err := p.settleLocked(l)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	e.cred.UsageCount++
	e.cred.LastUsedAt = p.now()
	e.cred.ConsecutiveFailures = 0
	e.cred.Version++
	snapshot := e.cred
	p.mu.Unlock()

	p.releaseLease(ctx, snapshot.ID, l.ID)
	p.persist(ctx, snapshot)
	return nil
}

// MarkFailed settles a lease as a failed call. An auth rejection invalidates
// the credential at once; other reasons invalidate it after
// credential.MaxConsecutiveFailures in a row. Only a quota rejection counts
// against the shared quota; any other failure refunds its unit.
func (p *Pool) MarkFailed(ctx context.Context, l Lease, reason credential.FailureReason) error {
	p.mu.Lock()
	e, err := p.settleLocked(l)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	e.cred.ConsecutiveFailures++

	wasInvalid := e.cred.Health == credential.HealthInvalid
	switch {
	case reason == credential.ReasonAuthRejected:
		e.cred.Health = credential.HealthInvalid
	case e.cred.ConsecutiveFailures >= credential.MaxConsecutiveFailures:
		e.cred.Health = credential.HealthInvalid
	}
	if reason == credential.ReasonQuotaExceeded && e.cred.UsageCount < e.cred.DailyQuota {
		e.cred.UsageCount = e.cred.DailyQuota
	}
	e.cred.Version++
	snapshot := e.cred
	p.mu.Unlock()

	FailuresTotal.WithLabelValues(string(reason)).Inc()
	if !wasInvalid && snapshot.Health == credential.HealthInvalid {
		InvalidatedTotal.Inc()
		slog.Warn("credential invalidated", "credential", snapshot.Redacted(), "reason", reason, "consecutive_failures", snapshot.ConsecutiveFailures)
	}

	p.refund(ctx, snapshot.ID, reason != credential.ReasonQuotaExceeded)
	p.releaseLease(ctx, snapshot.ID, l.ID)
	p.persist(ctx, snapshot)
	return nil
}

// Extend pushes an outstanding lease's deadline one lease TTL past now, for
// upstream calls that outlive the default TTL.
func (p *Pool) Extend(ctx context.Context, l Lease) (Lease, error) {
	p.mu.Lock()
	now := p.now()
	p.reclaimLocked(now)
	e, ok := p.byID[l.Credential.ID]
	if !ok {
		p.mu.Unlock()
		return Lease{}, fmt.Errorf("%w: %s", ErrUnknownCredential, l.Credential.ID)
	}
	if _, ok := e.reservations[l.ID]; !ok {
		p.mu.Unlock()
		return Lease{}, fmt.Errorf("%w: %s", ErrUnknownLease, l.ID)
	}
	deadline := now.Add(p.leaseTTL)
	e.reservations[l.ID] = deadline
	snapshot := e.cred
	p.mu.Unlock()

	if p.leases != nil {
		if err := p.leases.Renew(ctx, leaseNamePrefix+snapshot.ID, p.leaseHolder(l.ID), p.leaseTTL); err != nil {
			// The exclusive claim is gone; the local reservation goes with it.
			p.mu.Lock()
			delete(e.reservations, l.ID)
			p.mu.Unlock()
			slog.Warn("credential lease renew failed", "credential_id", snapshot.ID, "lease_id", l.ID, "error", err)
			return Lease{}, fmt.Errorf("%w: %v", ErrUnknownLease, err)
		}
	}

	slog.Debug("lease extended", "credential", snapshot.Redacted(), "lease_id", l.ID, "deadline", deadline)
	return Lease{ID: l.ID, Credential: snapshot, Deadline: deadline}, nil
}

// Validate re-checks structure and expiry of a credential without calling
// the upstream service. A pooled credential found expired is marked so.
func (p *Pool) Validate(ctx context.Context, c credential.Credential) bool {
	now := p.now()
	claims, err := p.decoder.Decode(c.Secret)
	valid := err == nil && claims.ExpiresAt.After(now) && (c.Issuer == "" || claims.Issuer == c.Issuer)

	if valid {
		return true
	}

	p.mu.Lock()
	e, ok := p.byID[c.ID]
	var snapshot credential.Credential
	changed := false
	if ok {
		next := credential.HealthInvalid
		if err == nil && !claims.ExpiresAt.After(now) {
			next = credential.HealthExpired
		}
		if e.cred.Health != next {
			e.cred.Health = next
			e.cred.Version++
			changed = true
		}
		snapshot = e.cred
	}
	p.mu.Unlock()

	if changed {
		p.persist(ctx, snapshot)
	}
	return false
}

// SetHealth is an administrative override of a credential's health.
func (p *Pool) SetHealth(ctx context.Context, id string, h credential.Health) error {
	p.mu.Lock()
	e, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCredential, id)
	}
	e.cred.Health = h
	if h == credential.HealthHealthy {
		e.cred.ConsecutiveFailures = 0
	}
	e.cred.Version++
	snapshot := e.cred
	p.mu.Unlock()

	p.persist(ctx, snapshot)
	return nil
}

// Remove deletes a credential from the pool and the store.
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCredential, id)
	}
	p.removeLocked(e)
	p.mu.Unlock()

	slog.Info("credential removed", "credential", e.cred.Redacted())
	if err := p.deleteStored(ctx, id); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Get returns a snapshot of one credential.
func (p *Pool) Get(id string) (credential.Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return credential.Credential{}, false
	}
	return e.cred, true
}

// List returns snapshots of every credential in insertion order.
func (p *Pool) List() []credential.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := make([]credential.Credential, 0, len(p.entries))
	for _, e := range p.entries {
		list = append(list, e.cred)
	}
	return list
}

// InFlight returns the number of unsettled reservations per credential id.
func (p *Pool) InFlight() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int, len(p.entries))
	for _, e := range p.entries {
		if n := len(e.reservations); n > 0 {
			out[e.cred.ID] = n
		}
	}
	return out
}

// Sweep marks expired credentials, resets elapsed daily windows and reclaims
// lapsed reservations. It returns the number of credentials newly expired.
func (p *Pool) Sweep(ctx context.Context) int {
	p.mu.Lock()
	now := p.now()
	p.reclaimLocked(now)

	var changed []credential.Credential
	for _, e := range p.entries {
		if e.cred.Expired(now) && e.cred.Health != credential.HealthExpired && e.cred.Health != credential.HealthInvalid {
			e.cred.Health = credential.HealthExpired
			e.cred.Version++
			changed = append(changed, e.cred)
		}
	}
	p.mu.Unlock()

	for _, c := range changed {
		slog.Info("credential expired", "credential", c.Redacted(), "expires_at", c.ExpiresAt)
		p.persist(ctx, c)
	}
	return len(changed)
}

// StartSweeper runs Sweep on every tick until ctx is done.
func (p *Pool) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Eligible reports whether c may be selected at now, ignoring reservations.
func Eligible(c credential.Credential, now time.Time) bool {
	return c.Health == credential.HealthHealthy &&
		!c.Expired(now) &&
		c.UsageCount < c.DailyQuota
}

func (p *Pool) eligibleLocked(now time.Time, tier credential.Tier) []*entry {
	var out []*entry
	for _, e := range p.entries {
		if e.cred.Health != credential.HealthHealthy || e.cred.Expired(now) {
			continue
		}
		if e.cred.UsageCount+len(e.reservations) >= e.cred.DailyQuota {
			continue
		}
		if p.maxConcurrent > 0 && len(e.reservations) >= p.maxConcurrent {
			continue
		}
		if tier != "" && e.cred.Tier.Priority() < tier.Priority() {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if pa, pb := a.cred.Tier.Priority(), b.cred.Tier.Priority(); pa != pb {
			return pa > pb
		}
		if !a.cred.LastUsedAt.Equal(b.cred.LastUsedAt) {
			// Zero time sorts first: never-used credentials go before used ones.
			return a.cred.LastUsedAt.Before(b.cred.LastUsedAt)
		}
		return a.seq < b.seq
	})
	return out
}

// reclaimLocked drops lapsed reservations and rolls daily usage windows.
func (p *Pool) reclaimLocked(now time.Time) {
	for _, e := range p.entries {
		for id, deadline := range e.reservations {
			if !now.Before(deadline) {
				delete(e.reservations, id)
				slog.Debug("reservation lapsed", "credential", e.cred.Redacted(), "lease_id", id)
			}
		}
		if !e.cred.UsageResetAt.IsZero() && !now.Before(e.cred.UsageResetAt) {
			e.cred.UsageCount = 0
			e.cred.UsageResetAt = now.Add(usageWindow)
			e.cred.Version++
		}
	}
}

func (p *Pool) insertLocked(c credential.Credential) *entry {
	p.nextSeq++
	e := &entry{
		cred:         c,
		seq:          p.nextSeq,
		secretKey:    secretKey(c.Secret),
		reservations: make(map[string]time.Time),
	}
	p.entries = append(p.entries, e)
	p.byID[c.ID] = e
	p.bySecret[e.secretKey] = e
	return e
}

func (p *Pool) removeLocked(target *entry) {
	for i, e := range p.entries {
		if e == target {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	delete(p.byID, target.cred.ID)
	delete(p.bySecret, target.secretKey)
}

// persist writes c through unless it was removed since the snapshot was taken.
func (p *Pool) persist(ctx context.Context, c credential.Credential) {
	if p.store == nil {
		return
	}
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	p.mu.Lock()
	_, live := p.byID[c.ID]
	p.mu.Unlock()
	if !live {
		slog.Debug("skipping write for removed credential", "credential_id", c.ID)
		return
	}
	if err := p.store.UpsertCredential(ctx, c); err != nil {
		slog.Error("failed to persist credential", "credential", c.Redacted(), "error", err)
	}
}

// deleteStored removes id from the store once any in-flight write of it has
// finished. The caller must already have dropped id from the pool.
func (p *Pool) deleteStored(ctx context.Context, id string) error {
	if p.store == nil {
		return nil
	}
	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	return p.store.DeleteCredential(ctx, id)
}

func (p *Pool) leaseHolder(leaseID string) string {
	return p.holderID + ":" + leaseID
}

func (p *Pool) releaseLease(ctx context.Context, credentialID, leaseID string) {
	if p.leases == nil || leaseID == "" {
		return
	}
	if err := p.leases.Release(ctx, leaseNamePrefix+credentialID, p.leaseHolder(leaseID)); err != nil {
		slog.Warn("credential lease release failed", "credential_id", credentialID, "error", err)
	}
}

func secretKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func tierLabel(t credential.Tier) string {
	if t == "" {
		return "any"
	}
	return string(t)
}

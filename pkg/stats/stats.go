// Package stats projects read-only aggregates over the credential pool for
// dashboards. Nothing here mutates pool state and nothing is cached: every
// call recomputes from a fresh snapshot.
package stats

import (
	"time"

	"github.com/rmax-ai/genbroker/pkg/credential"
	"github.com/rmax-ai/genbroker/pkg/pool"
)

// Source is the read side of the pool the reporter needs.
type Source interface {
	List() []credential.Credential
	Now() time.Time
}

// PoolStats is the dashboard view of the pool.
type PoolStats struct {
	Total              int                       `json:"total"`
	Active             int                       `json:"active"`
	Healthy            int                       `json:"healthy"`
	Expired            int                       `json:"expired"`
	Invalid            int                       `json:"invalid"`
	UtilizationPercent float64                   `json:"utilizationPercent"`
	BySource           map[credential.Source]int `json:"bySource"`
	ByTier             map[credential.Tier]int   `json:"byTier"`
	GeneratedAt        time.Time                 `json:"generatedAt"`
}

// Reporter computes PoolStats.
type Reporter struct {
	source Source
}

// NewReporter creates a reporter over src.
func NewReporter(src Source) *Reporter {
	return &Reporter{source: src}
}

// GetStats recomputes the aggregates.
//
// Active counts credentials that are selectable right now. Expired counts
// credentials past their expiry whatever their recorded health. Utilization
// is today's usage over today's quota across unexpired, non-invalid
// credentials.
func (r *Reporter) GetStats() PoolStats {
	now := r.source.Now()
	creds := r.source.List()

	s := PoolStats{
		Total:       len(creds),
		BySource:    make(map[credential.Source]int),
		ByTier:      make(map[credential.Tier]int),
		GeneratedAt: now,
	}

	var used, capacity int
	for _, c := range creds {
		s.BySource[c.Source]++
		s.ByTier[c.Tier]++

		expired := c.Expired(now) || c.Health == credential.HealthExpired
		switch {
		case expired:
			s.Expired++
		case c.Health == credential.HealthHealthy:
			s.Healthy++
		case c.Health == credential.HealthInvalid:
			s.Invalid++
		}
		if pool.Eligible(c, now) {
			s.Active++
		}
		if !expired && c.Health != credential.HealthInvalid {
			used += min(c.UsageCount, c.DailyQuota)
			capacity += c.DailyQuota
		}
	}

	if capacity > 0 {
		s.UtilizationPercent = float64(used) / float64(capacity) * 100
	}
	return s
}

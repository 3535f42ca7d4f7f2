package client

import "time"

// PollSchedule is the adaptive interval used when the push channel is
// unavailable: Short for the first ShortAttempts polls, Medium up to
// MediumAttempts, Long after that.
type PollSchedule struct {
	Short          time.Duration
	Medium         time.Duration
	Long           time.Duration
	ShortAttempts  int
	MediumAttempts int
	MaxAttempts    int
}

// DefaultPollSchedule polls every 3s for attempts 1-5, 4s for 6-15 and 5s
// afterwards, up to 60 attempts.
func DefaultPollSchedule() PollSchedule {
	return PollSchedule{
		Short:          3 * time.Second,
		Medium:         4 * time.Second,
		Long:           5 * time.Second,
		ShortAttempts:  5,
		MediumAttempts: 15,
		MaxAttempts:    60,
	}
}

// Interval returns the wait before the given 1-based attempt.
func (p PollSchedule) Interval(attempt int) time.Duration {
	switch {
	case attempt <= p.ShortAttempts:
		return p.Short
	case attempt <= p.MediumAttempts:
		return p.Medium
	default:
		return p.Long
	}
}

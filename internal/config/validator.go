package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func ValidLogLevels() []string { return []string{"debug", "info", "warn", "error"} }

func ValidQueueModes() []string { return []string{"batch", "async"} }

// Validate returns every invalid setting in c.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Peer.Topic == "" {
		add("peer.topic", c.Peer.Topic, "must not be empty")
	}
	if c.Peer.Name == "" {
		add("peer.name", c.Peer.Name, "must not be empty")
	}
	if c.Peer.BufferBytes < 0 {
		add("peer.buffer_bytes", c.Peer.BufferBytes, "must be non-negative")
	}

	p := c.Polling
	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"polling.membership_interval", p.MembershipInterval},
		{"polling.message_interval", p.MessageInterval},
		{"polling.maintain_interval", p.MaintainInterval},
		{"polling.interval_step", p.IntervalStep},
	} {
		if d.value <= 0 {
			add(d.field, d.value, "must be positive")
		}
	}
	if p.MinInterval <= 0 || p.MinInterval > p.MaxInterval {
		add("polling.min_interval", p.MinInterval, "must be positive and not above polling.max_interval")
	}
	if p.IncreaseLimit >= p.DecreaseLimit {
		add("polling.increase_limit", p.IncreaseLimit, "must be below polling.decrease_limit")
	}
	if p.FetchDecreaseLimit >= p.FetchIncreaseLimit {
		add("polling.fetch_decrease_limit", p.FetchDecreaseLimit, "must be below polling.fetch_increase_limit")
	}

	m := c.Membership
	if m.IdleWindow <= 0 {
		add("membership.idle_window", m.IdleWindow, "must be positive")
	}
	if m.ElectionFraction <= 0 || m.ElectionFraction > 1 {
		add("membership.election_fraction", m.ElectionFraction, "must be in (0, 1]")
	}
	if m.MemberLimit < 0 {
		add("membership.member_limit", m.MemberLimit, "must be non-negative")
	}

	q := c.Queue
	if !slices.Contains(ValidQueueModes(), q.Mode) {
		add("queue.mode", q.Mode, "must be one of: "+strings.Join(ValidQueueModes(), ", "))
	}
	if q.MaxParallel < 1 {
		add("queue.max_parallel", q.MaxParallel, "must be at least 1")
	}
	if q.MaxParallelCeiling < q.MaxParallel {
		add("queue.max_parallel_ceiling", q.MaxParallelCeiling, "must not be below queue.max_parallel")
	}
	if q.OpTimeout <= 0 {
		add("queue.op_timeout", q.OpTimeout, "must be positive")
	}
	if q.RetryAttempts < 1 {
		add("queue.retry_attempts", q.RetryAttempts, "must be at least 1")
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of: "+strings.Join(ValidLogLevels(), ", "))
	}
	return errs
}

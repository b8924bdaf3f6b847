package retry

import (
	"context"
	"time"

	"modelgate/internal/domain"
	"modelgate/internal/events"
	"modelgate/internal/repo"
)

const breakerTimeFormat = time.RFC3339Nano

// Breaker is a persistent circuit breaker. State is keyed per target
// (provider plus validator set) so one failing pairing never blocks
// unrelated backends. Only the retry manager processing a given target
// writes its row.
type Breaker struct {
	Repo      repo.Repo
	Events    events.Writer
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
	Now       func() time.Time
	// Excluded errors never count toward the failure window,
	// e.g. caller cancellation.
	Excluded func(error) bool
}

func (b *Breaker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Breaker) enabled() bool { return b.Threshold > 0 }

func (b *Breaker) load(ctx context.Context, target string) (domain.Circuit, error) {
	c, err := b.Repo.GetCircuit(ctx, target)
	if err == repo.ErrNotFound {
		return domain.Circuit{Target: target, Status: domain.CircuitClosed}, nil
	}
	return c, err
}

func (b *Breaker) save(ctx context.Context, c domain.Circuit) error {
	c.UpdatedAt = b.now().UTC().Format(breakerTimeFormat)
	return b.Repo.UpsertCircuit(ctx, c)
}

// Allow reports whether a call to the target is permitted. An open
// circuit whose cooldown has elapsed moves to half-open and admits
// exactly one trial call.
func (b *Breaker) Allow(ctx context.Context, target string) (bool, error) {
	if !b.enabled() {
		return true, nil
	}
	c, err := b.load(ctx, target)
	if err != nil {
		return false, err
	}
	switch c.Status {
	case domain.CircuitClosed:
		return true, nil
	case domain.CircuitOpen:
		if c.NextTrialAt == nil {
			return false, nil
		}
		trial, parseErr := time.Parse(breakerTimeFormat, *c.NextTrialAt)
		if parseErr != nil || b.now().Before(trial) {
			return false, nil
		}
		c.Status = domain.CircuitHalfOpen
		if err := b.save(ctx, c); err != nil {
			return false, err
		}
		_ = b.Events.Append(ctx, nil, "circuit.half_open", "circuit", target, nil)
		return true, nil
	case domain.CircuitHalfOpen:
		// The single trial is in flight. A trial that never reports back
		// (crashed or cancelled caller) must not wedge the target: after
		// another full cooldown the next caller becomes the trial.
		stale, parseErr := time.Parse(breakerTimeFormat, c.UpdatedAt)
		if parseErr != nil || b.now().Before(stale.Add(b.Cooldown)) {
			return false, nil
		}
		if err := b.save(ctx, c); err != nil {
			return false, err
		}
		return true, nil
	}
	return true, nil
}

// RecordSuccess closes the circuit after a successful trial and clears
// the failure window.
func (b *Breaker) RecordSuccess(ctx context.Context, target string) error {
	if !b.enabled() {
		return nil
	}
	c, err := b.load(ctx, target)
	if err != nil {
		return err
	}
	if c.Status == domain.CircuitClosed && len(c.Failures) == 0 {
		return nil
	}
	closedBefore := c.Status == domain.CircuitClosed
	c.Status = domain.CircuitClosed
	c.Failures = nil
	c.OpenedAt = nil
	c.NextTrialAt = nil
	if err := b.save(ctx, c); err != nil {
		return err
	}
	if !closedBefore {
		_ = b.Events.Append(ctx, nil, "circuit.closed", "circuit", target, nil)
	}
	return nil
}

// RecordFailure adds one qualifying failure and opens the circuit once
// the threshold is exceeded within the sliding window. A failed trial
// while half-open reopens immediately.
func (b *Breaker) RecordFailure(ctx context.Context, target string, cause error) error {
	if !b.enabled() {
		return nil
	}
	if cause != nil && b.Excluded != nil && b.Excluded(cause) {
		return nil
	}
	c, err := b.load(ctx, target)
	if err != nil {
		return err
	}
	now := b.now().UTC()

	if c.Status == domain.CircuitHalfOpen {
		return b.open(ctx, c, now)
	}

	c.Failures = append(c.Failures, now.Format(breakerTimeFormat))
	c.Failures = b.prune(c.Failures, now)
	if len(c.Failures) >= b.Threshold {
		return b.open(ctx, c, now)
	}
	return b.save(ctx, c)
}

func (b *Breaker) open(ctx context.Context, c domain.Circuit, now time.Time) error {
	openedAt := now.Format(breakerTimeFormat)
	nextTrial := now.Add(b.Cooldown).Format(breakerTimeFormat)
	c.Status = domain.CircuitOpen
	c.OpenedAt = &openedAt
	c.NextTrialAt = &nextTrial
	c.Failures = nil
	if err := b.save(ctx, c); err != nil {
		return err
	}
	_ = b.Events.Append(ctx, nil, "circuit.opened", "circuit", c.Target, events.EventPayload{"next_trial_at": nextTrial})
	return nil
}

func (b *Breaker) prune(failures []string, now time.Time) []string {
	if b.Window <= 0 {
		return failures
	}
	cutoff := now.Add(-b.Window)
	kept := failures[:0]
	for _, ts := range failures {
		t, err := time.Parse(breakerTimeFormat, ts)
		if err != nil {
			continue
		}
		if t.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

package retry

import (
	"context"
	"errors"
	"time"
)

// Schedule is one planned attempt.
type Schedule struct {
	Attempt     int           `json:"attempt"`
	Delay       time.Duration `json:"delay"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

// Plan lays out every attempt of policy starting at now. Scheduled times
// are cumulative.
func Plan(params Params, policy Policy, now time.Time) []Schedule {
	plan := make([]Schedule, policy.MaxAttempts)
	at := now
	for i := range plan {
		p := params
		p.Attempt = i
		delay := Backoff(p, policy)
		at = at.Add(delay)
		plan[i] = Schedule{Attempt: i, Delay: delay, ScheduledAt: at}
	}
	return plan
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx ends. It returns the number of attempts made and the last
// error.
func Do(ctx context.Context, params Params, policy Policy, sleep Sleeper,
	fn func(ctx context.Context, attempt int) error) (int, error) {
	if sleep == nil {
		sleep = Sleep
	}
	var err error
	attempts := 0
	for i := 0; i < policy.MaxAttempts; i++ {
		p := params
		p.Attempt = i
		if werr := sleep(ctx, Backoff(p, policy)); werr != nil {
			if err == nil {
				err = werr
			}
			return attempts, err
		}
		attempts++
		if err = fn(ctx, i); err == nil || IsPermanent(err) {
			return attempts, err
		}
		if ctx.Err() != nil {
			return attempts, err
		}
	}
	return attempts, err
}

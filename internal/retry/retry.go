// Package retry wraps a single external-command invocation with bounded
// retries and exponential backoff. Rate limiting is special-cased: the
// provider told us when to come back, so those attempts sleep the directed
// delay and do not consume the retry budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Classified is implemented by failure types that know whether a retry can
// help. Timeouts, auth failures, and startup-precondition failures report
// false and propagate on first occurrence.
type Classified interface {
	error
	Retryable() bool
}

// Policy bounds one wrapped invocation.
type Policy struct {
	// Retries is the number of budget-consuming attempts allowed.
	Retries int
	// BackoffBase is the delay before the second attempt; subsequent delays
	// double, capped at MaxBackoff.
	BackoffBase time.Duration
	MaxBackoff  time.Duration

	// RateLimitSignatures overrides the default throttling signatures.
	RateLimitSignatures []string

	// Sleep is swappable for tests. Nil means a context-aware real sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry observes every repeated attempt before its delay.
	OnRetry func(attempt int, wait time.Duration, rateLimited bool, err error)
}

func (p Policy) withDefaults() Policy {
	if p.Retries < 1 {
		p.Retries = 1
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 2 * time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 60 * time.Second
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	return p
}

// Attempt runs the wrapped command once. The returned output is scanned for
// rate-limit signatures when err is non-nil.
type Attempt func(ctx context.Context) (output string, err error)

// Do runs fn until it succeeds, fails non-retryably, or exhausts the budget.
// Rate-limited attempts retry without consuming budget, sleeping the
// server-directed delay when the output encodes one.
func Do(ctx context.Context, p Policy, fn Attempt) (string, error) {
	p = p.withDefaults()

	used := 0
	attempt := 0
	for {
		attempt++
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		var cl Classified
		if errors.As(err, &cl) && !cl.Retryable() {
			return out, err
		}
		if ctx.Err() != nil {
			return out, err
		}

		if p.rateLimited(out) || p.rateLimited(err.Error()) {
			// No server-directed delay means the usual backoff value for
			// this point in the sequence, still without spending budget.
			wait := backoff(p, used+1)
			if d, ok := directedDelay(out); ok {
				wait = d
			} else if d, ok := directedDelay(err.Error()); ok {
				wait = d
			}
			if p.OnRetry != nil {
				p.OnRetry(attempt, wait, true, err)
			}
			if serr := p.Sleep(ctx, wait); serr != nil {
				return out, err
			}
			continue
		}

		used++
		if used >= p.Retries {
			return out, fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		wait := backoff(p, used)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, false, err)
		}
		if serr := p.Sleep(ctx, wait); serr != nil {
			return out, err
		}
	}
}

func backoff(p Policy, used int) time.Duration {
	d := time.Duration(float64(p.BackoffBase) * math.Pow(2, float64(used-1)))
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

var delayPattern = regexp.MustCompile(`(?i)\b(\d+)\s*(ms|s|m)\b`)

var defaultRateLimitSignatures = []string{
	"rate limit", "rate-limit", "ratelimit", "quota", "too many requests", "429",
}

// RateLimited reports whether command output carries a throttling signature.
func RateLimited(out string) bool {
	return matchSignatures(out, defaultRateLimitSignatures)
}

func (p Policy) rateLimited(out string) bool {
	if len(p.RateLimitSignatures) > 0 {
		return matchSignatures(out, p.RateLimitSignatures)
	}
	return matchSignatures(out, defaultRateLimitSignatures)
}

func matchSignatures(out string, signatures []string) bool {
	lower := strings.ToLower(out)
	for _, sig := range signatures {
		if sig != "" && strings.Contains(lower, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}

// directedDelay extracts a server-directed wait duration (number plus
// ms/s/m unit) from throttling output.
func directedDelay(out string) (time.Duration, bool) {
	m := delayPattern.FindStringSubmatch(out)
	if m == nil {
		return 0, false
	}
	var unit time.Duration
	switch strings.ToLower(m[2]) {
	case "ms":
		unit = time.Millisecond
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	}
	var n int64
	for _, c := range m[1] {
		n = n*10 + int64(c-'0')
		if n > 1<<31 {
			return 0, false
		}
	}
	return time.Duration(n) * unit, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

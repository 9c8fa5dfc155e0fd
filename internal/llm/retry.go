package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// ErrRetriesExhausted marks a failure that was retryable but ran out of
// attempts or cumulative wait budget.
var ErrRetriesExhausted = errors.New("llm retries exhausted")

// BackoffConfig tunes one retry classification.
type BackoffConfig struct {
	// MaxAttempts bounds how many times this classification may occur
	// within one logical call before exhaustion.
	MaxAttempts int
	// BaseDelay is the first backoff step; each subsequent step doubles.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff step.
	MaxDelay time.Duration
	// MaxElapsed caps the cumulative wait for this classification.
	// Zero means no cumulative cap.
	MaxElapsed time.Duration
}

// RetryConfig carries the per-classification tuning. It comes from
// configuration, not call sites: the map executor's per-chunk calls and
// the refinement call use the same policy values.
type RetryConfig struct {
	Quota              BackoffConfig
	Transient          BackoffConfig
	ValidationAttempts int
	ValidationDelay    time.Duration
}

// DefaultRetryConfig returns the documented defaults: long backoff for
// quota rejections (5 attempts, 5 minutes cumulative), short backoff for
// transient failures (3 attempts, 60 seconds cumulative), and 3 bounded
// self-correction rounds for schema violations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Quota: BackoffConfig{
			MaxAttempts: 5,
			BaseDelay:   15 * time.Second,
			MaxDelay:    2 * time.Minute,
			MaxElapsed:  5 * time.Minute,
		},
		Transient: BackoffConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    20 * time.Second,
			MaxElapsed:  time.Minute,
		},
		ValidationAttempts: 3,
		ValidationDelay:    time.Second,
	}
}

// CallStats records what one logical call cost across all attempts.
// It is scoped to that call and discarded by the caller on failure.
type CallStats struct {
	Attempts int
	Waited   time.Duration
	Usage    TokenUsage
}

// ValidateFunc checks a provider payload against the stage's response
// schema. A non-nil error is classified as a validation failure and
// triggers bounded self-correction.
type ValidateFunc func(text string) error

// Retryer wraps single session calls with classification-driven backoff.
// It is independent of provider and of pipeline stage.
type Retryer struct {
	cfg RetryConfig

	// seams for tests
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// NewRetryer builds a Retryer with the given configuration.
func NewRetryer(cfg RetryConfig) *Retryer {
	return &Retryer{
		cfg:    cfg,
		sleep:  sleepCtx,
		jitter: randomJitter,
	}
}

// Do issues one logical generate call with retries. The returned stats
// count every attempt issued and accumulate token usage across them.
// Recoverable classifications are absorbed here; the caller only ever
// observes final success or final failure.
func (r *Retryer) Do(ctx context.Context, sess Session, p Prompt, validate ValidateFunc) (Response, CallStats, error) {
	var stats CallStats
	var quotaN, transientN, validationN int
	var quotaWaited, transientWaited time.Duration
	var lastQuotaDelay, lastTransientDelay time.Duration

	// next describes how the coming attempt is issued; validation
	// failures swap it for a corrective continuation.
	next := func(ctx context.Context) (Response, error) { return sess.Generate(ctx, p) }

	for {
		if err := ctx.Err(); err != nil {
			return Response{}, stats, FatalError("", "cancelled", err)
		}
		stats.Attempts++
		resp, err := next(ctx)
		stats.Usage.Add(resp.Usage)
		if err == nil && validate != nil {
			if verr := validate(resp.Text); verr != nil {
				err = ValidationError("", verr.Error(), verr)
			}
		}
		if err == nil {
			return resp, stats, nil
		}

		switch Classify(err) {
		case ClassQuotaExceeded:
			quotaN++
			if quotaN >= r.cfg.Quota.MaxAttempts {
				return Response{}, stats, exhausted("quota", stats.Attempts, err)
			}
			delay := nextDelay(r.cfg.Quota, quotaN, &lastQuotaDelay, r.jitter)
			if r.cfg.Quota.MaxElapsed > 0 && quotaWaited+delay > r.cfg.Quota.MaxElapsed {
				return Response{}, stats, exhausted("quota", stats.Attempts, err)
			}
			log.Printf("llm retry class=quota attempt=%d delay=%s", stats.Attempts, delay)
			if serr := r.sleep(ctx, delay); serr != nil {
				return Response{}, stats, FatalError("", "cancelled during backoff", serr)
			}
			quotaWaited += delay
			stats.Waited += delay
			next = func(ctx context.Context) (Response, error) { return sess.Generate(ctx, p) }

		case ClassTransient:
			transientN++
			if transientN >= r.cfg.Transient.MaxAttempts {
				return Response{}, stats, exhausted("transient", stats.Attempts, err)
			}
			delay := nextDelay(r.cfg.Transient, transientN, &lastTransientDelay, r.jitter)
			if r.cfg.Transient.MaxElapsed > 0 && transientWaited+delay > r.cfg.Transient.MaxElapsed {
				return Response{}, stats, exhausted("transient", stats.Attempts, err)
			}
			log.Printf("llm retry class=transient attempt=%d delay=%s", stats.Attempts, delay)
			if serr := r.sleep(ctx, delay); serr != nil {
				return Response{}, stats, FatalError("", "cancelled during backoff", serr)
			}
			transientWaited += delay
			stats.Waited += delay
			next = func(ctx context.Context) (Response, error) { return sess.Generate(ctx, p) }

		case ClassValidationFailed:
			validationN++
			if validationN >= r.cfg.ValidationAttempts {
				return Response{}, stats, exhausted("validation", stats.Attempts, err)
			}
			if r.cfg.ValidationDelay > 0 {
				if serr := r.sleep(ctx, r.cfg.ValidationDelay); serr != nil {
					return Response{}, stats, FatalError("", "cancelled during backoff", serr)
				}
				stats.Waited += r.cfg.ValidationDelay
			}
			corrective := correctiveMessage(ValidationDetail(err))
			log.Printf("llm retry class=validation attempt=%d continuation=%t", stats.Attempts, sess.SupportsContinuation())
			if sess.SupportsContinuation() {
				next = func(ctx context.Context) (Response, error) { return sess.Continue(ctx, corrective) }
			} else {
				// Stateless fallback: fresh call with the corrective
				// instruction prepended.
				corrected := p
				corrected.Instruction = corrective + "\n\n" + p.Instruction
				next = func(ctx context.Context) (Response, error) { return sess.Generate(ctx, corrected) }
			}

		default:
			return Response{}, stats, err
		}
	}
}

func exhausted(class string, attempts int, cause error) error {
	return FatalError("", fmt.Sprintf("%s retries exhausted after %d attempts", class, attempts),
		fmt.Errorf("%w: %w", ErrRetriesExhausted, cause))
}

// nextDelay doubles from BaseDelay, caps at MaxDelay, adds up to 20%
// jitter, and never decreases between attempts of the same class.
func nextDelay(cfg BackoffConfig, attempt int, last *time.Duration, jitter func(time.Duration) time.Duration) time.Duration {
	d := cfg.BaseDelay
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if cfg.MaxDelay > 0 && d >= cfg.MaxDelay {
			d = cfg.MaxDelay
			break
		}
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if jitter != nil {
		d += jitter(d)
	}
	if d < *last {
		d = *last
	}
	*last = d
	return d
}

func randomJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)/5 + 1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func correctiveMessage(detail string) string {
	msg := "The previous response did not satisfy the required JSON schema."
	if detail != "" {
		msg += " Violation: " + detail + "."
	}
	return msg + " Return a corrected JSON document that satisfies every constraint. Output JSON only."
}

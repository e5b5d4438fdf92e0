// Package classify turns phone numbers into capability verdicts. The
// classifier is cache-first: a fresh cached verdict answers immediately,
// and only misses go upstream through the rate gate. Successful verdicts
// are written through to the cache; error verdicts never are.
package classify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brunoagalliu/ios-phone-checker-sub000/blooio"
	"github.com/brunoagalliu/ios-phone-checker-sub000/cache"
)

// Contact types assigned to classified phones.
const (
	ContactIPhone  = "iPhone"
	ContactAndroid = "Android"
	ContactUnknown = "Unknown"
	ContactError   = "ERROR"
)

// Verdict is the outcome of classifying one phone. An error verdict has
// ContactType ERROR and a non-empty Err; it still counts as a processed
// phone and is durably recorded, just never cached.
type Verdict struct {
	IsIOS            bool
	SupportsIMessage bool
	SupportsSMS      bool
	ContactType      string
	Err              string
	FromCache        bool
}

// IsError reports whether the verdict records an upstream failure.
func (v Verdict) IsError() bool {
	return v.Err != ""
}

// Lookup is the single-phone upstream API.
type Lookup interface {
	Capabilities(ctx context.Context, e164 string) (blooio.Capabilities, error)
}

// Pacer gates upstream calls. rategate.Gate implements it.
type Pacer interface {
	Acquire(ctx context.Context) error
}

// Classifier resolves chunk payloads into verdicts. Prefetch answers the
// whole batch from cache in one read; Classify resolves a single miss.
type Classifier interface {
	Prefetch(ctx context.Context, phones []string) (map[string]Verdict, error)
	Classify(ctx context.Context, e164 string) (Verdict, error)
}

// rateLimitSleep is the uncounted pause after an upstream 429.
const rateLimitSleep = 5 * time.Second

// retryBackoff is the pause between retries of a transient failure.
const retryBackoff = 2 * time.Second

// PhoneClassifier implements Classifier for the rate-limited single-lookup
// service. It is synchronous per phone: it is the pacing point against the
// gate and must not be called concurrently for the same gate.
type PhoneClassifier struct {
	lookup     Lookup
	cache      cache.Store
	gate       Pacer
	maxRetries int
	log        *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPhoneClassifier wires a classifier over the upstream client, the
// verdict cache, and the rate gate.
func NewPhoneClassifier(lookup Lookup, cacheStore cache.Store, gate Pacer, maxRetries int, log *slog.Logger) *PhoneClassifier {
	return &PhoneClassifier{
		lookup:     lookup,
		cache:      cacheStore,
		gate:       gate,
		maxRetries: maxRetries,
		log:        log.With(slog.String("component", "classifier")),
		sleep:      sleepCtx,
	}
}

// Prefetch returns cached verdicts for the batch in a single cache read.
func (c *PhoneClassifier) Prefetch(ctx context.Context, phones []string) (map[string]Verdict, error) {
	entries, err := c.cache.LookupBatch(ctx, phones)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Verdict, len(entries))
	for phone, entry := range entries {
		out[phone] = Verdict{
			IsIOS:            entry.IsIOS,
			SupportsIMessage: entry.SupportsIMessage,
			SupportsSMS:      entry.SupportsSMS,
			ContactType:      entry.ContactType,
			FromCache:        true,
		}
	}
	return out, nil
}

// Classify resolves one phone upstream. It acquires the gate before every
// attempt, pauses 5s on a 429 without spending the retry budget, retries
// transient failures with a flat 2s backoff, and converts permanent or
// exhausted failures into an error verdict. A non-nil error is returned
// only for context cancellation.
func (c *PhoneClassifier) Classify(ctx context.Context, e164 string) (Verdict, error) {
	attempts := 0
	for {
		if err := c.gate.Acquire(ctx); err != nil {
			return Verdict{}, err
		}

		caps, err := c.lookup.Capabilities(ctx, e164)
		switch {
		case err == nil:
			verdict := verdictFromCapabilities(caps)
			c.writeThrough(ctx, e164, verdict)
			return verdict, nil

		case errors.Is(err, blooio.ErrRateLimited):
			c.log.Warn("upstream rate limited, backing off",
				slog.String("e164", e164),
				slog.Duration("sleep", rateLimitSleep))
			if err := c.sleep(ctx, rateLimitSleep); err != nil {
				return Verdict{}, err
			}

		case blooio.IsRetryable(err):
			attempts++
			if attempts >= c.maxRetries {
				c.log.Warn("upstream retries exhausted",
					slog.String("e164", e164),
					slog.Int("attempts", attempts),
					slog.String("error", err.Error()))
				return errorVerdict(err), nil
			}
			if err := c.sleep(ctx, retryBackoff); err != nil {
				return Verdict{}, err
			}

		default:
			// Permanent rejection: record and move on.
			return errorVerdict(err), nil
		}

		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
	}
}

// writeThrough caches a successful verdict. A cache write failure is logged
// and swallowed: the verdict is still durably recorded in the results, the
// next file simply pays for a fresh lookup.
func (c *PhoneClassifier) writeThrough(ctx context.Context, e164 string, v Verdict) {
	err := c.cache.Upsert(ctx, cache.Entry{
		E164:             e164,
		IsIOS:            v.IsIOS,
		SupportsIMessage: v.SupportsIMessage,
		SupportsSMS:      v.SupportsSMS,
		ContactType:      v.ContactType,
	})
	if err != nil {
		c.log.Warn("cache write-through failed",
			slog.String("e164", e164),
			slog.String("error", err.Error()))
	}
}

// verdictFromCapabilities derives the flags and contact type: iMessage
// implies iPhone, SMS without iMessage reads as Android, neither is Unknown.
func verdictFromCapabilities(caps blooio.Capabilities) Verdict {
	v := Verdict{
		SupportsIMessage: caps.IMessage,
		SupportsSMS:      caps.SMS,
		IsIOS:            caps.IMessage,
	}
	switch {
	case caps.IMessage:
		v.ContactType = ContactIPhone
	case caps.SMS:
		v.ContactType = ContactAndroid
	default:
		v.ContactType = ContactUnknown
	}
	return v
}

func errorVerdict(err error) Verdict {
	return Verdict{
		ContactType: ContactError,
		Err:         err.Error(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

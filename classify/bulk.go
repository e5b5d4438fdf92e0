package classify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brunoagalliu/ios-phone-checker-sub000/blooio"
	"github.com/brunoagalliu/ios-phone-checker-sub000/cache"
)

// BulkLookup is the batched upstream API.
type BulkLookup interface {
	Capabilities(ctx context.Context, phones []string) (map[string]blooio.Capabilities, error)
}

// BulkClassifier implements Classifier for the bulk service variant. The
// whole payload is resolved during Prefetch: cached verdicts first, one
// POST for the misses, write-through for the answers. Classify is only
// reached for phones the upstream left unanswered and records them as
// error verdicts; there is no single-phone endpoint on this service and
// no rate gate.
type BulkClassifier struct {
	lookup     BulkLookup
	cache      cache.Store
	maxRetries int
	log        *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBulkClassifier wires a bulk classifier over the batched upstream
// client and the verdict cache.
func NewBulkClassifier(lookup BulkLookup, cacheStore cache.Store, maxRetries int, log *slog.Logger) *BulkClassifier {
	return &BulkClassifier{
		lookup:     lookup,
		cache:      cacheStore,
		maxRetries: maxRetries,
		log:        log.With(slog.String("component", "bulk_classifier")),
		sleep:      sleepCtx,
	}
}

// Prefetch resolves the whole batch: cache hits answer directly, misses go
// upstream in one call whose answers are written through to the cache.
// Transient upstream failures retry within the budget; exhaustion fails
// the batch so the chunk can be retried as a unit.
func (c *BulkClassifier) Prefetch(ctx context.Context, phones []string) (map[string]Verdict, error) {
	out, err := c.cachedVerdicts(ctx, phones)
	if err != nil {
		return nil, err
	}

	var misses []string
	for _, phone := range phones {
		if _, ok := out[phone]; !ok {
			misses = append(misses, phone)
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	answers, err := c.lookupWithRetry(ctx, misses)
	if err != nil {
		return nil, err
	}

	for phone, caps := range answers {
		verdict := verdictFromCapabilities(caps)
		if upsertErr := c.cache.Upsert(ctx, cache.Entry{
			E164:             phone,
			IsIOS:            verdict.IsIOS,
			SupportsIMessage: verdict.SupportsIMessage,
			SupportsSMS:      verdict.SupportsSMS,
			ContactType:      verdict.ContactType,
		}); upsertErr != nil {
			c.log.Warn("cache write-through failed",
				slog.String("e164", phone),
				slog.String("error", upsertErr.Error()))
		}
		out[phone] = verdict
	}

	return out, nil
}

// Classify records a phone the bulk response skipped as an error verdict.
func (c *BulkClassifier) Classify(ctx context.Context, e164 string) (Verdict, error) {
	if ctx.Err() != nil {
		return Verdict{}, ctx.Err()
	}
	return errorVerdict(errors.New("missing from bulk response")), nil
}

func (c *BulkClassifier) cachedVerdicts(ctx context.Context, phones []string) (map[string]Verdict, error) {
	entries, err := c.cache.LookupBatch(ctx, phones)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Verdict, len(phones))
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

func (c *BulkClassifier) lookupWithRetry(ctx context.Context, phones []string) (map[string]blooio.Capabilities, error) {
	attempts := 0
	for {
		answers, err := c.lookup.Capabilities(ctx, phones)
		switch {
		case err == nil:
			return answers, nil

		case errors.Is(err, blooio.ErrRateLimited):
			c.log.Warn("bulk upstream rate limited, backing off",
				slog.Duration("sleep", rateLimitSleep))
			if err := c.sleep(ctx, rateLimitSleep); err != nil {
				return nil, err
			}

		case blooio.IsRetryable(err):
			attempts++
			if attempts >= c.maxRetries {
				return nil, err
			}
			if err := c.sleep(ctx, retryBackoff); err != nil {
				return nil, err
			}

		default:
			return nil, err
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// Compile-time interface checks
var (
	_ Classifier = (*PhoneClassifier)(nil)
	_ Classifier = (*BulkClassifier)(nil)
)

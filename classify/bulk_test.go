package classify

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/brunoagalliu/ios-phone-checker-sub000/blooio"
	"github.com/brunoagalliu/ios-phone-checker-sub000/cache"
)

type scriptedBulkLookup struct {
	calls   int
	outcome []func() (map[string]blooio.Capabilities, error)
	asked   [][]string
}

func (s *scriptedBulkLookup) Capabilities(ctx context.Context, phones []string) (map[string]blooio.Capabilities, error) {
	s.asked = append(s.asked, phones)
	if s.calls >= len(s.outcome) {
		return nil, errors.New("unexpected call")
	}
	out := s.outcome[s.calls]
	s.calls++
	return out()
}

func newTestBulkClassifier(lookup BulkLookup, c cache.Store) (*BulkClassifier, *[]time.Duration) {
	cl := NewBulkClassifier(lookup, c, 3, slog.Default())
	var sleeps []time.Duration
	cl.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return cl, &sleeps
}

func TestBulkPrefetch_MixedCacheAndUpstream(t *testing.T) {
	memCache := cache.NewMemoryCache(time.Hour)
	_ = memCache.Upsert(context.Background(), cache.Entry{
		E164: "+14155550001", SupportsIMessage: true, IsIOS: true, ContactType: ContactIPhone,
	})

	lookup := &scriptedBulkLookup{outcome: []func() (map[string]blooio.Capabilities, error){
		func() (map[string]blooio.Capabilities, error) {
			return map[string]blooio.Capabilities{
				"+14155550002": {SMS: true},
			}, nil
		},
	}}
	cl, _ := newTestBulkClassifier(lookup, memCache)

	verdicts, err := cl.Prefetch(context.Background(), []string{"+14155550001", "+14155550002", "+14155550003"})
	if err != nil {
		t.Fatalf("prefetch failed: %v", err)
	}

	// Only the misses go upstream.
	if len(lookup.asked) != 1 || len(lookup.asked[0]) != 2 {
		t.Errorf("expected one upstream call for the two misses, got %v", lookup.asked)
	}

	if v := verdicts["+14155550001"]; !v.FromCache || v.ContactType != ContactIPhone {
		t.Errorf("cached phone: %+v", v)
	}
	if v := verdicts["+14155550002"]; v.FromCache || v.ContactType != ContactAndroid {
		t.Errorf("upstream phone: %+v", v)
	}
	if _, ok := verdicts["+14155550003"]; ok {
		t.Errorf("unanswered phone must stay unresolved")
	}

	// The upstream answer is written through.
	if memCache.Len() != 2 {
		t.Errorf("expected 2 cached entries, got %d", memCache.Len())
	}

	// Unanswered phones fall through to Classify as error verdicts.
	v, err := cl.Classify(context.Background(), "+14155550003")
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if !v.IsError() {
		t.Errorf("expected error verdict for unanswered phone, got %+v", v)
	}
}

func TestBulkPrefetch_AllCachedSkipsUpstream(t *testing.T) {
	memCache := cache.NewMemoryCache(time.Hour)
	_ = memCache.Upsert(context.Background(), cache.Entry{E164: "+14155550001", ContactType: ContactUnknown})

	lookup := &scriptedBulkLookup{}
	cl, _ := newTestBulkClassifier(lookup, memCache)

	verdicts, err := cl.Prefetch(context.Background(), []string{"+14155550001"})
	if err != nil {
		t.Fatalf("prefetch failed: %v", err)
	}
	if len(verdicts) != 1 || lookup.calls != 0 {
		t.Errorf("fully cached batch must not call upstream")
	}
}

func TestBulkPrefetch_RetryThenSuccess(t *testing.T) {
	lookup := &scriptedBulkLookup{outcome: []func() (map[string]blooio.Capabilities, error){
		func() (map[string]blooio.Capabilities, error) {
			return nil, &blooio.RetryableError{Err: errors.New("timeout")}
		},
		func() (map[string]blooio.Capabilities, error) {
			return map[string]blooio.Capabilities{"+1": {IMessage: true}}, nil
		},
	}}
	cl, sleeps := newTestBulkClassifier(lookup, cache.NewMemoryCache(time.Hour))

	verdicts, err := cl.Prefetch(context.Background(), []string{"+1"})
	if err != nil {
		t.Fatalf("prefetch failed: %v", err)
	}
	if verdicts["+1"].ContactType != ContactIPhone {
		t.Errorf("unexpected verdict: %+v", verdicts["+1"])
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 2*time.Second {
		t.Errorf("expected one 2s backoff, got %v", *sleeps)
	}
}

func TestBulkPrefetch_ExhaustionFailsBatch(t *testing.T) {
	transient := func() (map[string]blooio.Capabilities, error) {
		return nil, &blooio.RetryableError{Err: errors.New("reset")}
	}
	lookup := &scriptedBulkLookup{outcome: []func() (map[string]blooio.Capabilities, error){
		transient, transient, transient,
	}}
	cl, _ := newTestBulkClassifier(lookup, cache.NewMemoryCache(time.Hour))

	if _, err := cl.Prefetch(context.Background(), []string{"+1"}); !blooio.IsRetryable(err) {
		t.Errorf("expected the transient error to surface, got %v", err)
	}
	if lookup.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", lookup.calls)
	}
}

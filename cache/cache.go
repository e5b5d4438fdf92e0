// Package cache implements the cross-file verdict cache over DynamoDB.
// Entries are keyed by E.164 phone and carry the capability flags plus a
// last-checked timestamp. Freshness is enforced on read: an entry older
// than the TTL is treated as a miss, never deleted in the background.
// Error verdicts are never written, so a transient upstream failure cannot
// poison later classifications.
package cache

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/brunoagalliu/ios-phone-checker-sub000/aws"
)

// batchGetLimit is the DynamoDB ceiling on keys per BatchGetItem call.
const batchGetLimit = 100

// Entry is a cached classifier verdict.
// Example:
//
//	store := cache.NewDynamoStore(client, "blooio_cache", 6*30*24*time.Hour)
//	hits, err := store.LookupBatch(ctx, []string{"+14155552671"})
//	if entry, ok := hits["+14155552671"]; ok {
//	    fmt.Printf("cached as %s\n", entry.ContactType)
//	}
type Entry struct {
	E164             string    `dynamodbav:"e164"`
	IsIOS            bool      `dynamodbav:"is_ios"`
	SupportsIMessage bool      `dynamodbav:"supports_imessage"`
	SupportsSMS      bool      `dynamodbav:"supports_sms"`
	ContactType      string    `dynamodbav:"contact_type"`
	LastChecked      time.Time `dynamodbav:"last_checked,unixtime"`
}

// Store is the verdict cache contract. LookupBatch returns only fresh
// entries; Upsert stamps the entry with the current time; Delete removes a
// single phone so it can be re-classified from scratch.
type Store interface {
	LookupBatch(ctx context.Context, phones []string) (map[string]Entry, error)
	Upsert(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, e164 string) error
}

// DynamoStore implements Store on a DynamoDB table with e164 as the
// partition key. Writes are last-writer-wins, which is safe for a cache.
type DynamoStore struct {
	client aws.DynamoDBClient
	table  string
	ttl    time.Duration

	// now is swapped in tests.
	now func() time.Time
}

// NewDynamoStore creates a DynamoStore over the given table. ttl is the
// freshness bound applied on read.
func NewDynamoStore(client aws.DynamoDBClient, table string, ttl time.Duration) *DynamoStore {
	return &DynamoStore{
		client: client,
		table:  table,
		ttl:    ttl,
		now:    time.Now,
	}
}

// LookupBatch fetches cached verdicts for a batch of phones and returns the
// fresh ones. Keys are paged at the BatchGetItem limit of 100; unprocessed
// keys are retried with backoff, so a call never degrades to per-key reads.
func (s *DynamoStore) LookupBatch(ctx context.Context, phones []string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(phones))
	cutoff := s.now().Add(-s.ttl)

	for start := 0; start < len(phones); start += batchGetLimit {
		end := start + batchGetLimit
		if end > len(phones) {
			end = len(phones)
		}
		page := phones[start:end]

		keys := make([]map[string]types.AttributeValue, 0, len(page))
		for _, phone := range page {
			keys = append(keys, map[string]types.AttributeValue{
				"e164": &types.AttributeValueMemberS{Value: phone},
			})
		}

		input := &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				s.table: {Keys: keys},
			},
		}

		attempt := 0
		for {
			output, err := s.client.BatchGetItem(ctx, input)
			if err != nil {
				return nil, fmt.Errorf("cache batch get: %w", err)
			}

			for _, item := range output.Responses[s.table] {
				var entry Entry
				if err := attributevalue.UnmarshalMap(item, &entry); err != nil {
					return nil, fmt.Errorf("cache entry decode: %w", err)
				}
				// Stale entries are misses, not errors.
				if entry.LastChecked.Before(cutoff) {
					continue
				}
				out[entry.E164] = entry
			}

			// Unprocessed keys indicate throttling; retry the remainder.
			remaining, ok := output.UnprocessedKeys[s.table]
			if !ok || len(remaining.Keys) == 0 {
				break
			}
			if !backoffWait(ctx, attempt) {
				return nil, ctx.Err()
			}
			attempt++
			input.RequestItems = map[string]types.KeysAndAttributes{
				s.table: remaining,
			}
		}
	}

	return out, nil
}

// Upsert writes a verdict, stamping last_checked with the current time.
func (s *DynamoStore) Upsert(ctx context.Context, entry Entry) error {
	entry.LastChecked = s.now()

	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return fmt.Errorf("cache entry encode: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.table,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("cache upsert: %w", err)
	}

	return nil
}

// Delete removes the entry for a phone.
func (s *DynamoStore) Delete(ctx context.Context, e164 string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.table,
		Key: map[string]types.AttributeValue{
			"e164": &types.AttributeValueMemberS{Value: e164},
		},
	})
	if err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}

	return nil
}

// backoffWait sleeps for an exponentially increasing duration with jitter.
// Returns false if the context is cancelled during the wait.
func backoffWait(ctx context.Context, attempt int) bool {
	base := 100 * time.Millisecond
	maxDelay := 30 * time.Second

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}

	delay += time.Duration(rand.Int64N(int64(delay)))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamoDBClient implements the aws.DynamoDBClient interface backed by a
// map of e164 -> item.
type mockDynamoDBClient struct {
	items         map[string]map[string]types.AttributeValue
	batchCalls    int
	puts          []map[string]types.AttributeValue
	deletes       []string
	stallFirstGet bool
}

func (m *mockDynamoDBClient) BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	m.batchCalls++
	out := &dynamodb.BatchGetItemOutput{
		Responses:       map[string][]map[string]types.AttributeValue{},
		UnprocessedKeys: map[string]types.KeysAndAttributes{},
	}
	for table, kaa := range params.RequestItems {
		if len(kaa.Keys) > 100 {
			return nil, fmt.Errorf("too many keys: %d", len(kaa.Keys))
		}
		keys := kaa.Keys
		if m.stallFirstGet && m.batchCalls == 1 {
			// Answer half the page and push the rest back as unprocessed.
			half := len(keys) / 2
			out.UnprocessedKeys[table] = types.KeysAndAttributes{Keys: keys[half:]}
			keys = keys[:half]
		}
		for _, key := range keys {
			phone := key["e164"].(*types.AttributeValueMemberS).Value
			if item, ok := m.items[phone]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.puts = append(m.puts, params.Item)
	phone := params.Item["e164"].(*types.AttributeValueMemberS).Value
	if m.items == nil {
		m.items = map[string]map[string]types.AttributeValue{}
	}
	m.items[phone] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	phone := params.Key["e164"].(*types.AttributeValueMemberS).Value
	m.deletes = append(m.deletes, phone)
	delete(m.items, phone)
	return &dynamodb.DeleteItemOutput{}, nil
}

func itemFor(t *testing.T, entry Entry) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	return item
}

func TestLookupBatch_FreshAndStale(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ttl := 6 * 30 * 24 * time.Hour

	mock := &mockDynamoDBClient{items: map[string]map[string]types.AttributeValue{
		"+14155550001": itemFor(t, Entry{
			E164: "+14155550001", SupportsIMessage: true, IsIOS: true,
			ContactType: "iPhone", LastChecked: now.Add(-24 * time.Hour),
		}),
		"+14155550002": itemFor(t, Entry{
			E164: "+14155550002", SupportsSMS: true,
			ContactType: "Android", LastChecked: now.Add(-7 * 30 * 24 * time.Hour),
		}),
	}}

	store := NewDynamoStore(mock, "blooio_cache", ttl)
	store.now = func() time.Time { return now }

	hits, err := store.LookupBatch(context.Background(), []string{"+14155550001", "+14155550002", "+14155550003"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 fresh hit, got %d", len(hits))
	}
	entry, ok := hits["+14155550001"]
	if !ok {
		t.Fatalf("expected hit for fresh entry")
	}
	if !entry.SupportsIMessage || entry.ContactType != "iPhone" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestLookupBatch_PagesAtLimit(t *testing.T) {
	mock := &mockDynamoDBClient{items: map[string]map[string]types.AttributeValue{}}
	store := NewDynamoStore(mock, "blooio_cache", time.Hour)

	phones := make([]string, 250)
	for i := range phones {
		phones[i] = fmt.Sprintf("+1415555%04d", i)
	}

	if _, err := store.LookupBatch(context.Background(), phones); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if mock.batchCalls != 3 {
		t.Errorf("expected 3 pages for 250 keys, got %d calls", mock.batchCalls)
	}
}

func TestLookupBatch_RetriesUnprocessedKeys(t *testing.T) {
	now := time.Now()
	items := map[string]map[string]types.AttributeValue{}
	phones := make([]string, 10)
	for i := range phones {
		phones[i] = fmt.Sprintf("+1415555%04d", i)
		items[phones[i]] = itemFor(t, Entry{E164: phones[i], ContactType: "Unknown", LastChecked: now})
	}

	mock := &mockDynamoDBClient{items: items, stallFirstGet: true}
	store := NewDynamoStore(mock, "blooio_cache", time.Hour)

	hits, err := store.LookupBatch(context.Background(), phones)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(hits) != len(phones) {
		t.Errorf("expected %d hits after unprocessed retry, got %d", len(phones), len(hits))
	}
	if mock.batchCalls < 2 {
		t.Errorf("expected a retry call, got %d calls", mock.batchCalls)
	}
}

func TestUpsert_StampsLastChecked(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mock := &mockDynamoDBClient{}
	store := NewDynamoStore(mock, "blooio_cache", time.Hour)
	store.now = func() time.Time { return now }

	err := store.Upsert(context.Background(), Entry{
		E164: "+14155550001", SupportsIMessage: true, IsIOS: true, ContactType: "iPhone",
		LastChecked: now.Add(-time.Hour), // overwritten by the store
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	var stored Entry
	if err := attributevalue.UnmarshalMap(mock.puts[0], &stored); err != nil {
		t.Fatalf("decode stored item: %v", err)
	}
	if !stored.LastChecked.Equal(now) {
		t.Errorf("expected last_checked %s, got %s", now, stored.LastChecked)
	}
}

func TestDelete(t *testing.T) {
	mock := &mockDynamoDBClient{items: map[string]map[string]types.AttributeValue{
		"+14155550001": itemFor(t, Entry{E164: "+14155550001"}),
	}}
	store := NewDynamoStore(mock, "blooio_cache", time.Hour)

	if err := store.Delete(context.Background(), "+14155550001"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(mock.items) != 0 {
		t.Errorf("expected item removed")
	}
}

func TestMemoryCache_TTL(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return clock }

	if err := c.Upsert(context.Background(), Entry{E164: "+14155550001", ContactType: "iPhone"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	hits, err := c.LookupBatch(context.Background(), []string{"+14155550001"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected fresh hit")
	}

	clock = clock.Add(2 * time.Hour)
	hits, err = c.LookupBatch(context.Background(), []string{"+14155550001"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected stale entry to miss")
	}
}

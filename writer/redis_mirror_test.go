package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quoteflow/cache"
	"quoteflow/models"
)

type fakeHashStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	ttls   map[string]time.Duration
	err    error
	closed bool
}

func newFakeHashStore() *fakeHashStore {
	return &fakeHashStore{hashes: map[string]map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeHashStore) ReplaceHash(ctx context.Context, key string, values map[string]string, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[key] = map[string]string{}
	for k, v := range values {
		f.hashes[key][k] = v
	}
	f.ttls[key] = ttl
	return nil
}

func (f *fakeHashStore) SetHashFields(ctx context.Context, key string, values map[string]string, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[key] == nil {
		f.hashes[key] = map[string]string{}
	}
	for k, v := range values {
		f.hashes[key][k] = v
	}
	f.ttls[key] = ttl
	return nil
}

func (f *fakeHashStore) Close() error {
	f.closed = true
	return nil
}

func mustNumber(t *testing.T, s string) models.Value {
	t.Helper()
	v, err := models.NumberFromString(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestRedisMirrorTracksCache(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Redis.KeyPrefix = "qf:"
	cfg.Storage.Redis.TTL = time.Minute
	store := newFakeHashStore()
	m := newRedisMirror(cfg, store)
	m.log = quietWriterLog()

	c := cache.New(cache.Options{Workers: 1, Log: quietWriterLog()}, m.Observers())
	if err := c.Open(cache.Subscription{Instruments: []string{"X", "Y"}, Fields: []string{"BID", "ASK"}}); err != nil {
		t.Fatalf("open: %v", err)
	}

	_ = c.OnStatus("X", models.StatusOpen, "")
	_ = c.OnRefresh("X", models.Fields{"BID": mustNumber(t, "101.25"), "ASK": models.Null()})
	_ = c.OnUpdate("X", models.Fields{"ASK": models.Text("n/a")})
	_ = c.OnRefresh("X", models.Fields{"BID": models.NumberFromInt(99)})
	_ = c.OnStatus("Y", models.StatusError, "halted")
	c.Close()
	<-c.Done()
	m.Stop()

	x := store.hashes["qf:quote:X"]
	if x["BID"] != "99" {
		t.Errorf("expected refreshed BID 99, got %q", x["BID"])
	}
	if _, ok := x["ASK"]; ok {
		t.Errorf("refresh must replace the hash, ASK still present: %v", x)
	}
	if x[hashStatus] != "open" || x[hashUpdatedAt] == "" {
		t.Errorf("status not carried across refresh: %v", x)
	}

	y := store.hashes["qf:quote:Y"]
	if y[hashStatus] != "error" || y[hashStatusMessage] != "halted" {
		t.Errorf("unexpected Y hash %v", y)
	}

	done := store.hashes["qf:cache:"+c.ID()]
	if done["completion"] != "complete" || done["instruments"] != "2" {
		t.Errorf("unexpected completion hash %v", done)
	}
	if store.ttls["qf:quote:X"] != time.Minute {
		t.Errorf("ttl not applied")
	}
	if !store.closed {
		t.Error("expected store to be closed")
	}
}

func TestFieldValuesStoresNullAsEmpty(t *testing.T) {
	got := fieldValues(models.Fields{"A": models.Null(), "B": models.Text("x"), "C": models.NumberFromInt(3)})
	if got["A"] != "" || got["B"] != "x" || got["C"] != "3" {
		t.Fatalf("unexpected values %v", got)
	}
}

func TestRedisMirrorReportsFailures(t *testing.T) {
	store := newFakeHashStore()
	store.err = errors.New("connection refused")
	m := newRedisMirror(testConfig(), store)
	m.log = quietWriterLog()

	if err := m.write("X", false, map[string]string{"BID": "1"}); err == nil {
		t.Fatal("expected write error")
	}
	if m.Stats().ErrorsCount != 1 {
		t.Errorf("expected 1 failure, got %d", m.Stats().ErrorsCount)
	}
}

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/crmsync/internal/cache"
	"github.com/scrypster/crmsync/internal/llm"
	"github.com/scrypster/crmsync/internal/recordstore"
	"github.com/scrypster/crmsync/internal/recordstore/sqlstore"
	"github.com/scrypster/crmsync/internal/schema"
)

// countingStore records which objects were queried.
type countingStore struct {
	recordstore.Store
	mu      sync.Mutex
	queries map[string]int
}

func (c *countingStore) QueryRecords(ctx context.Context, object string, opts recordstore.QueryOptions) ([]recordstore.Record, error) {
	c.mu.Lock()
	c.queries[object]++
	c.mu.Unlock()
	return c.Store.QueryRecords(ctx, object, opts)
}

func (c *countingStore) queried(object string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries[object]
}

func (c *countingStore) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = map[string]int{}
}

// scriptedModel answers detection with a fixed response and generation
// with a response per object slug.
type scriptedModel struct {
	mu        sync.Mutex
	detection string
	actions   map[string]string
	calls     map[string]int
	err       error
}

func newScriptedModel(detection string, actions map[string]string) *scriptedModel {
	return &scriptedModel{detection: detection, actions: actions, calls: map[string]int{}}
}

func (m *scriptedModel) Complete(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[req.Purpose]++
	if m.err != nil {
		return "", m.err
	}
	switch req.Purpose {
	case "entity_detection":
		return m.detection, nil
	case "action_generation":
		for slug, resp := range m.actions {
			if strings.Contains(req.System, "OBJECT: "+slug+"\n") {
				return resp, nil
			}
		}
		return `{"actions": []}`, nil
	}
	return "", errors.New("unexpected request")
}

func (m *scriptedModel) GetModel() string { return "scripted" }

func (m *scriptedModel) callCount(purpose string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[purpose]
}

var fixedNow = func() time.Time { return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC) }

type testEnv struct {
	rc    *Context
	store *countingStore
	sql   *sqlstore.Store
	model *scriptedModel
}

// newTestEnv opens a seeded in-memory store and a discovered catalog.
func newTestEnv(t *testing.T, seed []byte, model *scriptedModel) *testEnv {
	t.Helper()
	ctx := context.Background()

	sql, err := sqlstore.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sql.Close() })
	require.NoError(t, sql.Seed(ctx, seed))

	store := &countingStore{Store: sql, queries: map[string]int{}}
	catalog := schema.New(store)
	_, err = catalog.Discover(ctx)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Now = fixedNow
	rc := &Context{
		Catalog:     catalog,
		Store:       store,
		Model:       model,
		ModelCache:  cache.New[string](cache.Config{Name: "model", TTL: time.Minute}),
		Resolutions: cache.New[string](cache.Config{Name: "resolution", TTL: time.Hour}),
		Config:      cfg,
	}
	require.NoError(t, rc.validate())
	return &testEnv{rc: rc, store: store, sql: sql, model: model}
}

func (e *testEnv) records(t *testing.T, object string) []recordstore.Record {
	t.Helper()
	recs, err := e.sql.QueryRecords(context.Background(), object, recordstore.QueryOptions{})
	require.NoError(t, err)
	return recs
}

func findRecord(recs []recordstore.Record, field, value string) *recordstore.Record {
	for i := range recs {
		if strings.EqualFold(stringify(recs[i].Values[field]), value) {
			return &recs[i]
		}
	}
	return nil
}

package ingest_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ediaz029/VulGPT/checkpoint"
	"github.com/ediaz029/VulGPT/graph"
	"github.com/ediaz029/VulGPT/ingest"
	"github.com/ediaz029/VulGPT/osv"
)

// fakeClient answers the existence check with "absent" for every id and
// records writes. writeDelay and concurrency tracking support the
// backpressure test.
type fakeClient struct {
	mu            sync.Mutex
	writes        [][]graph.Statement
	writeDelay    time.Duration
	inFlight      atomic.Int32
	maxInFlight   atomic.Int32
	failAllWrites bool
}

func (f *fakeClient) Read(_ context.Context, _ string, params map[string]any) ([]graph.Record, error) {
	ids, ok := params["ids"].([]string)
	if !ok {
		return nil, nil
	}
	records := make([]graph.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, graph.Record{"id": id, "exists": false})
	}
	return records, nil
}

func (f *fakeClient) Write(_ context.Context, stmts ...graph.Statement) error {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.writeDelay > 0 {
		time.Sleep(f.writeDelay)
	}
	if f.failAllWrites {
		return assert.AnError
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, stmts)
	return nil
}

func (f *fakeClient) Execute(_ context.Context, _ string, _ map[string]any) error { return nil }

func (f *fakeClient) Close(_ context.Context) error { return nil }

// feedServer serves one record per id and tracks which ids were requested.
func feedServer(t *testing.T) (*httptest.Server, *sync.Map) {
	t.Helper()
	var requested sync.Map
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/vulns/")
		requested.Store(id, true)
		fmt.Fprintf(w, `{"id": %q, "summary": "s"}`, id)
	}))
	t.Cleanup(ts.Close)
	return ts, &requested
}

func requestedIDs(m *sync.Map) []string {
	var ids []string
	m.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

func makeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("CVE-2024-%04d", i)
	}
	return ids
}

func newRunner(db *fakeClient, feedURL string, store *checkpoint.Store, cfg ingest.Config) *ingest.Runner {
	feed := osv.NewClient(osv.WithBaseURL(feedURL))
	return ingest.NewRunner(feed, graph.NewUpserter(db), graph.NewSweeper(db), store, cfg)
}

func TestRunnerRun(t *testing.T) {
	t.Run("cold start processes every id and finalizes the checkpoint", func(t *testing.T) {
		ts, requested := feedServer(t)
		db := &fakeClient{}
		store := checkpoint.NewStore(afero.NewMemMapFs(), "checkpoint.json")
		runner := newRunner(db, ts.URL, store, ingest.Config{ChunkSize: 4, BatchSize: 2, MaxConcurrentBatches: 2})

		ids := makeIDs(10)
		require.NoError(t, runner.Run(context.Background(), ids))

		assert.ElementsMatch(t, ids, requestedIDs(requested))
		assert.NotEmpty(t, db.writes)

		rec, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, checkpoint.Record{LastProcessedIndex: 10, Completed: true}, rec)
	})

	t.Run("resume fetches only the unconsumed tail", func(t *testing.T) {
		ts, requested := feedServer(t)
		db := &fakeClient{}
		store := checkpoint.NewStore(afero.NewMemMapFs(), "checkpoint.json")
		require.NoError(t, store.Save(checkpoint.Record{LastProcessedIndex: 6, Completed: false}))

		runner := newRunner(db, ts.URL, store, ingest.Config{ChunkSize: 4, BatchSize: 2, MaxConcurrentBatches: 2})
		ids := makeIDs(10)
		require.NoError(t, runner.Run(context.Background(), ids))

		assert.ElementsMatch(t, ids[6:], requestedIDs(requested), "indices [0,6) must not be re-fetched")

		rec, err := store.Load()
		require.NoError(t, err)
		assert.True(t, rec.Completed)
	})

	t.Run("a completed previous run starts over from zero", func(t *testing.T) {
		ts, requested := feedServer(t)
		db := &fakeClient{}
		store := checkpoint.NewStore(afero.NewMemMapFs(), "checkpoint.json")
		require.NoError(t, store.Save(checkpoint.Record{LastProcessedIndex: 10, Completed: true}))

		runner := newRunner(db, ts.URL, store, ingest.Config{ChunkSize: 4, BatchSize: 2, MaxConcurrentBatches: 2})
		ids := makeIDs(10)
		require.NoError(t, runner.Run(context.Background(), ids))
		assert.ElementsMatch(t, ids, requestedIDs(requested))
	})

	t.Run("in-flight persistence never exceeds the configured bound", func(t *testing.T) {
		ts, _ := feedServer(t)
		db := &fakeClient{writeDelay: 10 * time.Millisecond}
		store := checkpoint.NewStore(afero.NewMemMapFs(), "checkpoint.json")
		runner := newRunner(db, ts.URL, store, ingest.Config{ChunkSize: 40, BatchSize: 2, MaxConcurrentBatches: 3})

		require.NoError(t, runner.Run(context.Background(), makeIDs(40)))
		assert.LessOrEqual(t, db.maxInFlight.Load(), int32(3))
	})

	t.Run("failed batches degrade completeness, not liveness", func(t *testing.T) {
		ts, _ := feedServer(t)
		db := &fakeClient{failAllWrites: true}
		store := checkpoint.NewStore(afero.NewMemMapFs(), "checkpoint.json")
		runner := newRunner(db, ts.URL, store, ingest.Config{ChunkSize: 4, BatchSize: 2, MaxConcurrentBatches: 2})

		// every transaction fails, the run still completes
		require.NoError(t, runner.Run(context.Background(), makeIDs(10)))

		rec, err := store.Load()
		require.NoError(t, err)
		assert.True(t, rec.Completed)
	})

	t.Run("checkpoint write failure aborts the run", func(t *testing.T) {
		ts, _ := feedServer(t)
		db := &fakeClient{}
		store := checkpoint.NewStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "checkpoint.json")
		runner := newRunner(db, ts.URL, store, ingest.Config{ChunkSize: 4, BatchSize: 2, MaxConcurrentBatches: 2})

		err := runner.Run(context.Background(), makeIDs(10))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checkpoint")
	})

	t.Run("cancellation flushes a resumable checkpoint", func(t *testing.T) {
		ts, _ := feedServer(t)
		db := &fakeClient{}
		store := checkpoint.NewStore(afero.NewMemMapFs(), "checkpoint.json")
		runner := newRunner(db, ts.URL, store, ingest.Config{ChunkSize: 2, BatchSize: 2, MaxConcurrentBatches: 2})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := runner.Run(ctx, makeIDs(10))
		require.Error(t, err)

		rec, loadErr := store.Load()
		require.NoError(t, loadErr)
		assert.False(t, rec.Completed)
		assert.NotEmpty(t, rec.Error)
	})
}

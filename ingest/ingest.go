// Package ingest drives the ingestion pipeline: canonical ids are fetched
// in chunks from the feed, completed batches are queued to a bounded pool
// of persistence workers, and a resumable checkpoint advances at chunk
// boundaries.
package ingest

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/ediaz029/VulGPT/checkpoint"
	"github.com/ediaz029/VulGPT/graph"
	"github.com/ediaz029/VulGPT/osv"
)

const (
	DefaultChunkSize            = 1000
	DefaultBatchSize            = 50
	DefaultMaxConcurrentBatches = 5
	DefaultSweepInterval        = 1000
)

type Config struct {
	// ChunkSize is the checkpoint granularity: the cursor only advances at
	// chunk boundaries, so a crash mid-chunk reprocesses at most one chunk.
	ChunkSize int
	// BatchSize is the number of records handed to the upsert engine at
	// once.
	BatchSize int
	// MaxConcurrentBatches bounds in-flight persistence transactions. It is
	// both the worker pool size and the queue capacity, so backpressure on
	// the fetch loop is a property of the queue.
	MaxConcurrentBatches int
	// SweepInterval is the number of processed records between periodic
	// duplicate sweeps.
	SweepInterval int
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = DefaultMaxConcurrentBatches
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

type Runner struct {
	feed     *osv.Client
	upserter *graph.Upserter
	sweeper  *graph.Sweeper
	store    *checkpoint.Store
	cfg      Config
}

func NewRunner(feed *osv.Client, upserter *graph.Upserter, sweeper *graph.Sweeper, store *checkpoint.Store, cfg Config) *Runner {
	cfg.applyDefaults()
	return &Runner{
		feed:     feed,
		upserter: upserter,
		sweeper:  sweeper,
		store:    store,
		cfg:      cfg,
	}
}

// Run ingests the canonical id list. It resumes from the last checkpoint
// when the previous run did not complete, sweeps before, during, and after
// the cycle, and always leaves either a completed checkpoint or a valid
// resumable one. Per-record and per-batch failures degrade completeness,
// never liveness: only checkpoint IO errors and cancellation abort the run.
func (r *Runner) Run(ctx context.Context, ids []string) error {
	rec, err := r.store.Load()
	if err != nil {
		return xerrors.Errorf("cannot read checkpoint: %w", err)
	}

	start := 0
	if !rec.Completed && rec.LastProcessedIndex > 0 && rec.LastProcessedIndex < len(ids) {
		start = rec.LastProcessedIndex
		log.Printf("resuming from index %d (%.2f%% complete)", start, float64(start)/float64(len(ids))*100)
	}

	r.sweep(ctx)
	if removed, err := r.sweeper.PruneObsolete(ctx, ids); err != nil {
		log.Printf("error pruning obsolete vulnerabilities: %v", err)
	} else if removed > 0 {
		log.Printf("removed %d obsolete vulnerabilities", removed)
	}

	// Persistence worker pool. The channel capacity equals the pool size,
	// so at most MaxConcurrentBatches transactions are in flight and at
	// most as many batches wait behind them.
	batches := make(chan []osv.Vulnerability, r.cfg.MaxConcurrentBatches)
	var workerWG, jobWG sync.WaitGroup
	var processed atomic.Int64
	for i := 0; i < r.cfg.MaxConcurrentBatches; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			for batch := range batches {
				processed.Add(int64(r.upserter.UpsertBatch(ctx, batch)))
				jobWG.Done()
			}
		}()
	}

	bar := pb.StartNew(len(ids) - start)
	lastCheckpoint := start
	runErr := r.fetchLoop(ctx, ids, start, &lastCheckpoint, batches, &jobWG, bar)

	close(batches)
	workerWG.Wait()
	bar.Finish()

	if runErr != nil {
		// Best-effort flush so the next run can resume. In-flight
		// operations were left to complete or fail on their own above.
		flush := checkpoint.Record{LastProcessedIndex: lastCheckpoint, Error: runErr.Error()}
		if err := r.store.Save(flush); err != nil {
			log.Printf("failed to save checkpoint after error: %v", err)
		} else {
			log.Printf("run aborted, checkpoint saved at index %d", lastCheckpoint)
		}
		return runErr
	}

	r.sweep(ctx)

	if err := r.store.Save(checkpoint.Record{LastProcessedIndex: len(ids), Completed: true}); err != nil {
		return xerrors.Errorf("cannot finalize checkpoint: %w", err)
	}
	log.Printf("processing completed, %d/%d records persisted", processed.Load(), len(ids)-start)
	return nil
}

func (r *Runner) fetchLoop(ctx context.Context, ids []string, start int, lastCheckpoint *int,
	batches chan<- []osv.Vulnerability, jobWG *sync.WaitGroup, bar *pb.ProgressBar) error {

	skipped := 0
	sinceSweep := 0
	for chunkStart := start; chunkStart < len(ids); chunkStart += r.cfg.ChunkSize {
		chunkEnd := min(chunkStart+r.cfg.ChunkSize, len(ids))

		for batchStart := chunkStart; batchStart < chunkEnd; batchStart += r.cfg.BatchSize {
			batchIDs := ids[batchStart:min(batchStart+r.cfg.BatchSize, chunkEnd)]

			batch, err := r.fetchBatch(ctx, batchIDs)
			if err != nil {
				return err
			}
			skipped += len(batchIDs) - len(batch)

			if len(batch) > 0 {
				jobWG.Add(1)
				select {
				case batches <- batch:
				case <-ctx.Done():
					jobWG.Done()
					return ctx.Err()
				}
			}
			bar.Add(len(batchIDs))

			sinceSweep += len(batchIDs)
			if sinceSweep >= r.cfg.SweepInterval {
				sinceSweep = 0
				r.sweep(ctx)
			}
		}

		// Chunk boundary: wait for every queued batch to commit before the
		// cursor moves, so a crash never skips uncommitted work.
		jobWG.Wait()
		if err := r.store.Save(checkpoint.Record{LastProcessedIndex: chunkEnd}); err != nil {
			return xerrors.Errorf("cannot advance checkpoint: %w", err)
		}
		*lastCheckpoint = chunkEnd
	}

	if skipped > 0 {
		log.Printf("%d records skipped after retry exhaustion", skipped)
	}
	return nil
}

// fetchBatch fans out one fetch per id; global in-flight concurrency is
// bounded by the feed client's permit pool. Skipped ids (nil results) are
// dropped from the batch. The only possible error is cancellation.
func (r *Runner) fetchBatch(ctx context.Context, batchIDs []string) ([]osv.Vulnerability, error) {
	results := make([]*osv.Vulnerability, len(batchIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range batchIDs {
		g.Go(func() error {
			vuln, err := r.feed.Fetch(gctx, id)
			if err != nil {
				return err
			}
			results[i] = vuln
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := make([]osv.Vulnerability, 0, len(results))
	for _, vuln := range results {
		if vuln != nil {
			batch = append(batch, *vuln)
		}
	}
	return batch, nil
}

func (r *Runner) sweep(ctx context.Context) {
	if err := r.sweeper.MergeDuplicates(ctx); err != nil {
		log.Printf("error during duplicate sweep: %v", err)
	}
}

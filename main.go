package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/ediaz029/VulGPT/checkpoint"
	"github.com/ediaz029/VulGPT/graph"
	"github.com/ediaz029/VulGPT/ingest"
	"github.com/ediaz029/VulGPT/minimal"
	"github.com/ediaz029/VulGPT/osv"
	"github.com/ediaz029/VulGPT/utils"
)

const (
	defaultIDSource       = "all_vulnerability_ids.json"
	defaultCheckpointPath = "checkpoint.json"
	defaultNeo4jURI       = "neo4j://localhost:7687"
)

var (
	target = flag.String("target", "ingest", "run target (ingest, sweep, minimal-versions)")
	export = flag.String("export", "", "optional JSON export path for minimal version sets")
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	flag.Parse()

	// Interrupts cancel the context; the pipeline flushes a resumable
	// checkpoint on its way out.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := graph.Connect(ctx,
		utils.LookupEnv("NEO4J_URI", defaultNeo4jURI),
		utils.LookupEnv("NEO4J_USERNAME", "neo4j"),
		os.Getenv("NEO4J_PASSWORD"),
	)
	if err != nil {
		return xerrors.Errorf("failed to connect to graph store: %w", err)
	}
	defer db.Close(context.Background())

	if err = graph.Bootstrap(ctx, db); err != nil {
		return xerrors.Errorf("failed to bootstrap graph schema: %w", err)
	}

	appFs := afero.NewOsFs()
	idSource := utils.LookupEnv("VULN_IDS_SOURCE", defaultIDSource)

	switch *target {
	case "ingest":
		ids, err := osv.LoadIDs(ctx, appFs, idSource)
		if err != nil {
			return xerrors.Errorf("failed to load canonical id list: %w", err)
		}
		log.Printf("loaded %d vulnerability ids for processing", len(ids))

		feed := osv.NewClient(
			osv.WithBaseURL(utils.LookupEnv("OSV_API_URL", "https://api.osv.dev")),
			osv.WithMaxInFlight(int64(utils.LookupEnvInt("OSV_MAX_IN_FLIGHT", 100))),
			osv.WithRetry(utils.LookupEnvInt("OSV_RETRY", 3)),
		)
		store := checkpoint.NewStore(appFs, utils.LookupEnv("CHECKPOINT_PATH", defaultCheckpointPath))
		runner := ingest.NewRunner(feed, graph.NewUpserter(db), graph.NewSweeper(db), store, ingest.Config{
			ChunkSize:            utils.LookupEnvInt("INGEST_CHUNK_SIZE", ingest.DefaultChunkSize),
			BatchSize:            utils.LookupEnvInt("INGEST_BATCH_SIZE", ingest.DefaultBatchSize),
			MaxConcurrentBatches: utils.LookupEnvInt("INGEST_MAX_BATCHES", ingest.DefaultMaxConcurrentBatches),
			SweepInterval:        utils.LookupEnvInt("INGEST_SWEEP_INTERVAL", ingest.DefaultSweepInterval),
		})
		if err = runner.Run(ctx, ids); err != nil {
			return xerrors.Errorf("error in ingestion run: %w", err)
		}
	case "sweep":
		ids, err := osv.LoadIDs(ctx, appFs, idSource)
		if err != nil {
			return xerrors.Errorf("failed to load canonical id list: %w", err)
		}
		sweeper := graph.NewSweeper(db)
		if err = sweeper.MergeDuplicates(ctx); err != nil {
			return xerrors.Errorf("error in duplicate sweep: %w", err)
		}
		removed, err := sweeper.PruneObsolete(ctx, ids)
		if err != nil {
			return xerrors.Errorf("error in obsolete pruning: %w", err)
		}
		log.Printf("sweep complete, removed %d obsolete vulnerabilities", removed)
	case "minimal-versions":
		mapper := minimal.NewMapper(db, utils.NewFs(appFs), *export)
		results, err := mapper.Run(ctx)
		if err != nil {
			return xerrors.Errorf("error deriving minimal version sets: %w", err)
		}
		log.Printf("derived minimal version sets for %d packages", len(results))
	default:
		return xerrors.New("unknown target")
	}

	return nil
}

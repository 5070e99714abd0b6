package graph

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/exp/maps"
	"golang.org/x/xerrors"
)

const (
	// DefaultPruneBatchSize bounds the transaction size of obsolete-node
	// deletion.
	DefaultPruneBatchSize = 500
)

const findDuplicatesQuery = `
MATCH (v:Vulnerability)
WITH v.id AS id, count(v) AS n
WHERE n > 1
RETURN id, n`

// mergeDuplicateProps keeps the oldest node (lowest element id) as the
// survivor and folds every duplicate's properties onto it, last write wins.
const mergeDuplicateProps = `
MATCH (v:Vulnerability {id: $id})
WITH v ORDER BY elementId(v)
WITH collect(v) AS nodes
WITH head(nodes) AS keep, tail(nodes) AS dups
UNWIND dups AS dup
SET keep += properties(dup)`

// Relationship types a Vulnerability node can own. Used to re-point edges
// from duplicates onto the survivor before deleting them.
var vulnerabilityRelTypes = []string{"AFFECTS", "HAS_SEVERITY", "HAS_REFERENCE", "HAS_CREDIT", "BELONGS_TO"}

const repointDuplicateRelsFmt = `
MATCH (v:Vulnerability {id: $id})
WITH v ORDER BY elementId(v)
WITH collect(v) AS nodes
WITH head(nodes) AS keep, tail(nodes) AS dups
UNWIND dups AS dup
MATCH (dup)-[:%s]->(t)
MERGE (keep)-[:%s]->(t)`

const deleteDuplicatesQuery = `
MATCH (v:Vulnerability {id: $id})
WITH v ORDER BY elementId(v)
WITH collect(v) AS nodes
WITH tail(nodes) AS dups
UNWIND dups AS dup
DETACH DELETE dup`

const storedIDsQuery = `MATCH (v:Vulnerability) RETURN v.id AS id`

const pruneQuery = `
UNWIND $ids AS id
MATCH (v:Vulnerability {id: id})
DETACH DELETE v`

// Sweeper restores structural integrity of the vulnerability graph. The
// upsert engine's existence check prevents duplicates on the steady-state
// path; the sweep is a repair for anything that slipped through, plus
// removal of records no longer present upstream.
type Sweeper struct {
	db             Client
	pruneBatchSize int
}

type SweeperOption func(*Sweeper)

func WithPruneBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		s.pruneBatchSize = n
	}
}

func NewSweeper(db Client, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{db: db, pruneBatchSize: DefaultPruneBatchSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MergeDuplicates finds ids bound to more than one node and merges each
// group into a single node, combining properties last-write-wins and
// re-pointing relationships. A failed merge for one id is logged and does
// not stop the sweep.
func (s *Sweeper) MergeDuplicates(ctx context.Context) error {
	records, err := s.db.Read(ctx, findDuplicatesQuery, nil)
	if err != nil {
		return xerrors.Errorf("duplicate check failed: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	log.Printf("found %d vulnerability ids with duplicate nodes", len(records))
	for _, r := range records {
		id, ok := r["id"].(string)
		if !ok {
			continue
		}
		stmts := []Statement{{Cypher: mergeDuplicateProps, Params: map[string]any{"id": id}}}
		for _, relType := range vulnerabilityRelTypes {
			stmts = append(stmts, Statement{
				Cypher: fmt.Sprintf(repointDuplicateRelsFmt, relType, relType),
				Params: map[string]any{"id": id},
			})
		}
		stmts = append(stmts, Statement{Cypher: deleteDuplicatesQuery, Params: map[string]any{"id": id}})

		if err = s.db.Write(ctx, stmts...); err != nil {
			log.Printf("error merging duplicates for %s: %v", id, err)
		}
	}
	return nil
}

// PruneObsolete deletes stored vulnerabilities whose ids are absent from
// the canonical list, together with their incident relationships, in
// fixed-size batches to bound transaction size. Returns the number of
// nodes removed.
func (s *Sweeper) PruneObsolete(ctx context.Context, canonical []string) (int, error) {
	records, err := s.db.Read(ctx, storedIDsQuery, nil)
	if err != nil {
		return 0, xerrors.Errorf("failed to list stored ids: %w", err)
	}

	canonicalSet := make(map[string]struct{}, len(canonical))
	for _, id := range canonical {
		canonicalSet[id] = struct{}{}
	}

	obsolete := map[string]struct{}{}
	for _, r := range records {
		id, ok := r["id"].(string)
		if !ok {
			continue
		}
		if _, keep := canonicalSet[id]; !keep {
			obsolete[id] = struct{}{}
		}
	}
	if len(obsolete) == 0 {
		return 0, nil
	}

	toRemove := maps.Keys(obsolete)
	log.Printf("found %d obsolete vulnerabilities to remove", len(toRemove))
	for start := 0; start < len(toRemove); start += s.pruneBatchSize {
		end := min(start+s.pruneBatchSize, len(toRemove))
		batch := toRemove[start:end]
		if err = s.db.Write(ctx, Statement{Cypher: pruneQuery, Params: map[string]any{"ids": batch}}); err != nil {
			return start, xerrors.Errorf("failed to prune batch: %w", err)
		}
	}
	return len(toRemove), nil
}

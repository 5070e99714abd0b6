package graph_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ediaz029/VulGPT/graph"
)

func TestMergeDuplicates(t *testing.T) {
	t.Run("no duplicates, no writes", func(t *testing.T) {
		db := &fakeClient{readFn: func(string, map[string]any) ([]graph.Record, error) {
			return nil, nil
		}}
		require.NoError(t, graph.NewSweeper(db).MergeDuplicates(context.Background()))
		assert.Empty(t, db.writes)
	})

	t.Run("duplicate ids are merged in one transaction each", func(t *testing.T) {
		db := &fakeClient{readFn: func(string, map[string]any) ([]graph.Record, error) {
			return []graph.Record{
				{"id": "CVE-2020-1", "n": int64(2)},
				{"id": "CVE-2020-2", "n": int64(3)},
			}, nil
		}}
		require.NoError(t, graph.NewSweeper(db).MergeDuplicates(context.Background()))

		require.Len(t, db.writes, 2)
		stmts := db.writes[0]
		// property fold, five relationship re-points, final delete
		require.Len(t, stmts, 7)
		assert.Contains(t, stmts[0].Cypher, "keep += properties(dup)")
		for _, relType := range []string{"AFFECTS", "HAS_SEVERITY", "HAS_REFERENCE", "HAS_CREDIT", "BELONGS_TO"} {
			found := false
			for _, stmt := range stmts {
				if strings.Contains(stmt.Cypher, fmt.Sprintf("[:%s]", relType)) {
					found = true
				}
			}
			assert.True(t, found, "missing re-point for %s", relType)
		}
		assert.Contains(t, stmts[6].Cypher, "DETACH DELETE dup")
		for _, stmt := range stmts {
			assert.Equal(t, "CVE-2020-1", stmt.Params["id"])
		}
	})
}

func TestPruneObsolete(t *testing.T) {
	stored := func(ids ...string) func(string, map[string]any) ([]graph.Record, error) {
		return func(cypher string, _ map[string]any) ([]graph.Record, error) {
			records := make([]graph.Record, 0, len(ids))
			for _, id := range ids {
				records = append(records, graph.Record{"id": id})
			}
			return records, nil
		}
	}

	t.Run("removes exactly the ids outside the canonical list", func(t *testing.T) {
		db := &fakeClient{readFn: stored("A", "B", "C", "D")}
		removed, err := graph.NewSweeper(db).PruneObsolete(context.Background(), []string{"A", "C"})
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		require.Len(t, db.writes, 1)
		assert.ElementsMatch(t, []string{"B", "D"}, db.writes[0][0].Params["ids"])
		assert.Contains(t, db.writes[0][0].Cypher, "DETACH DELETE v")
	})

	t.Run("nothing obsolete, nothing removed", func(t *testing.T) {
		db := &fakeClient{readFn: stored("A", "B")}
		removed, err := graph.NewSweeper(db).PruneObsolete(context.Background(), []string{"A", "B", "C"})
		require.NoError(t, err)
		assert.Zero(t, removed)
		assert.Empty(t, db.writes)
	})

	t.Run("deletion is batched to bound transaction size", func(t *testing.T) {
		ids := make([]string, 1001)
		for i := range ids {
			ids[i] = fmt.Sprintf("CVE-2019-%04d", i)
		}
		db := &fakeClient{readFn: stored(ids...)}

		removed, err := graph.NewSweeper(db, graph.WithPruneBatchSize(500)).
			PruneObsolete(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, 1001, removed)

		require.Len(t, db.writes, 3)
		var total []string
		for i, write := range db.writes {
			batch := write[0].Params["ids"].([]string)
			assert.LessOrEqual(t, len(batch), 500, "write %d exceeds batch bound", i)
			total = append(total, batch...)
		}
		assert.ElementsMatch(t, ids, total)
	})
}

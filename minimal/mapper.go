package minimal

import (
	"context"
	"log"

	"golang.org/x/xerrors"

	"github.com/ediaz029/VulGPT/graph"
	"github.com/ediaz029/VulGPT/utils"
)

// One row per package with the affected-version set of every vulnerability
// that hits it. The per-vulnerability sets live on the AFFECTS
// relationships.
const packageSetsQuery = `
MATCH (v:Vulnerability)-[af:AFFECTS]->(p:Package)
RETURN p.name AS name, p.ecosystem AS ecosystem, p.purl AS purl,
       p.versions AS declared, collect(af.versions) AS sets`

// The minimal set is fully derived state, so the write is a plain
// overwrite: recomputing is always safe.
const writeMinimalSetQuery = `
MERGE (repo:VulnRepo {name: $repo})
MERGE (p:Package {name: $name, ecosystem: $ecosystem, purl: $purl})
MERGE (p)-[:HAS_MINIMAL_VERSIONS]->(m:MinimalVersionSet {name: $name, ecosystem: $ecosystem, purl: $purl})
SET m.versions = $versions, m.count = $count, m.last_updated = timestamp()
MERGE (repo)-[:TRACKS]->(m)`

// PackageResult is the derived minimal version set for one package, also
// used for the optional JSON export consumed by downstream repo filtering.
type PackageResult struct {
	Ecosystem       string   `json:"ecosystem"`
	Purl            string   `json:"purl"`
	MinimalVersions []string `json:"minimal_versions"`
	Count           int      `json:"count"`
}

// Mapper reads per-package vulnerability/version data from the graph,
// solves the hitting set per package, and writes the result back onto the
// feed-source aggregate. Independent of ingestion timing.
type Mapper struct {
	db         graph.Client
	repo       string
	fs         utils.Fs
	exportPath string
}

func NewMapper(db graph.Client, fs utils.Fs, exportPath string) *Mapper {
	return &Mapper{
		db:         db,
		repo:       graph.DefaultRepoName,
		fs:         fs,
		exportPath: exportPath,
	}
}

// Run computes and persists the minimal version set for every package in
// the graph. Packages with no usable affected-version data are skipped
// with a log entry; they never abort the solve.
func (m *Mapper) Run(ctx context.Context) (map[string]PackageResult, error) {
	rows, err := m.db.Read(ctx, packageSetsQuery, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to read package version sets: %w", err)
	}

	results := make(map[string]PackageResult, len(rows))
	for _, row := range rows {
		name, _ := row["name"].(string)
		ecosystem, _ := row["ecosystem"].(string)
		purl, _ := row["purl"].(string)
		if name == "" {
			log.Printf("skipping package row without a name")
			continue
		}

		sets := toVersionSets(row["sets"])
		declared := toStringSlice(row["declared"])
		minimalVersions := FindMinimumHittingSet(sets, recencyByPosition(declared))
		if len(minimalVersions) == 0 {
			log.Printf("no version data for %s (%s), skipping", name, ecosystem)
			continue
		}

		params := map[string]any{
			"repo":      m.repo,
			"name":      name,
			"ecosystem": ecosystem,
			"purl":      purl,
			"versions":  minimalVersions,
			"count":     len(minimalVersions),
		}
		if err = m.db.Write(ctx, graph.Statement{Cypher: writeMinimalSetQuery, Params: params}); err != nil {
			log.Printf("error writing minimal set for %s: %v", name, err)
			continue
		}

		results[name] = PackageResult{
			Ecosystem:       ecosystem,
			Purl:            purl,
			MinimalVersions: minimalVersions,
			Count:           len(minimalVersions),
		}
	}

	if m.exportPath != "" {
		if err = m.fs.WriteJSON(m.exportPath, results); err != nil {
			return nil, xerrors.Errorf("failed to export minimal sets: %w", err)
		}
		log.Printf("wrote %d package minimal sets to %s", len(results), m.exportPath)
	}
	return results, nil
}

// recencyByPosition scores versions by their position in the package's
// declared version list: upstream lists releases oldest-first, so a later
// index means a more recent version. Versions absent from the declared
// list keep the lowest priority, 0.
func recencyByPosition(declared []string) map[string]float64 {
	recency := make(map[string]float64, len(declared))
	for i, v := range declared {
		recency[v] = float64(i + 1)
	}
	return recency
}

func toVersionSets(value any) [][]string {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}
	sets := make([][]string, 0, len(raw))
	for _, entry := range raw {
		sets = append(sets, toStringSlice(entry))
	}
	return sets
}

func toStringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		if s, ok := entry.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

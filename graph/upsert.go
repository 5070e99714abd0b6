package graph

import (
	"context"
	"log"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/ediaz029/VulGPT/osv"
)

const (
	// DefaultRepoName identifies the feed-source aggregate node.
	DefaultRepoName = "OSV"

	// DefaultBatchSize is the number of records merged per transaction.
	DefaultBatchSize = 50
)

const existsQuery = `
UNWIND $ids AS id
OPTIONAL MATCH (v:Vulnerability {id: id})
RETURN id, v IS NOT NULL AS exists`

// deleteRelationships drops every relationship incident to the given
// vulnerability nodes. Run for updated records before the merge so stale
// edges from a prior version of a record cannot survive re-ingestion.
// Properties are retained until overwritten by the merge.
const deleteRelationships = `
UNWIND $ids AS id
MATCH (v:Vulnerability {id: id})
OPTIONAL MATCH (v)-[r]-()
DELETE r`

// The merge is split into one statement per node type so that an empty list
// on one record (no references, no credits, ...) contributes no rows
// without cutting off the rest of the chain. All statements for a batch run
// in a single transaction. Record fields carry their documented defaults
// already (osv.Vulnerability.Normalize), so no coalescing happens here.
const mergeVulnerabilities = `
UNWIND $batch AS vuln
MERGE (v:Vulnerability {id: vuln.id})
SET v.summary = vuln.summary,
    v.details = vuln.details,
    v.modified = vuln.modified,
    v.published = vuln.published,
    v.schema_version = vuln.schema_version,
    v.withdrawn = vuln.withdrawn,
    v.aliases = vuln.aliases,
    v.related = vuln.related,
    v.database_specific = vuln.database_specific
MERGE (repo:VulnRepo {name: $repo})
SET repo.last_updated = timestamp()
MERGE (v)-[:BELONGS_TO]->(repo)`

const mergeSeverities = `
UNWIND $batch AS vuln
MATCH (v:Vulnerability {id: vuln.id})
UNWIND vuln.severity AS s
MERGE (sev:Severity {type: s.type, score: s.score})
MERGE (v)-[:HAS_SEVERITY]->(sev)`

const mergeReferences = `
UNWIND $batch AS vuln
MATCH (v:Vulnerability {id: vuln.id})
UNWIND vuln.references AS ref
MERGE (r:Reference {url: ref.url, type: ref.type})
MERGE (v)-[:HAS_REFERENCE]->(r)`

// The per-vulnerability affected version list lives on the AFFECTS
// relationship; p.versions keeps the last written declared list for
// compatibility with package-level queries.
const mergePackages = `
UNWIND $batch AS vuln
MATCH (v:Vulnerability {id: vuln.id})
UNWIND vuln.affected AS a
MERGE (p:Package {name: a.package.name, ecosystem: a.package.ecosystem, purl: a.package.purl})
SET p.versions = a.versions,
    p.ecosystem_specific = a.ecosystem_specific,
    p.database_specific = a.database_specific
MERGE (v)-[af:AFFECTS]->(p)
SET af.versions = a.versions`

const mergePackageSeverities = `
UNWIND $batch AS vuln
UNWIND vuln.affected AS a
MATCH (p:Package {name: a.package.name, ecosystem: a.package.ecosystem, purl: a.package.purl})
UNWIND a.severity AS s
MERGE (sev:PackageSeverity {type: s.type, score: s.score})
MERGE (p)-[:HAS_SEVERITY]->(sev)`

const mergeRanges = `
UNWIND $batch AS vuln
UNWIND vuln.affected AS a
MATCH (p:Package {name: a.package.name, ecosystem: a.package.ecosystem, purl: a.package.purl})
UNWIND a.ranges AS r
MERGE (ra:Range {type: r.type, repo: r.repo})
SET ra.database_specific = r.database_specific
MERGE (p)-[:HAS_RANGE]->(ra)`

const mergeEvents = `
UNWIND $batch AS vuln
UNWIND vuln.affected AS a
UNWIND a.ranges AS r
MATCH (ra:Range {type: r.type, repo: r.repo})
UNWIND r.events AS e
MERGE (ev:Event {introduced: e.introduced, fixed: e.fixed, last_affected: e.last_affected, limit: e.limit})
MERGE (ra)-[:HAS_EVENT]->(ev)`

const mergeCredits = `
UNWIND $batch AS vuln
MATCH (v:Vulnerability {id: vuln.id})
UNWIND vuln.credits AS c
MERGE (cr:Credit {name: c.name, type: c.type})
MERGE (v)-[:HAS_CREDIT]->(cr)`

const mergeContacts = `
UNWIND $batch AS vuln
UNWIND vuln.credits AS c
MATCH (cr:Credit {name: c.name, type: c.type})
UNWIND c.contact AS co
MERGE (ct:Contact {contact: co})
MERGE (cr)-[:HAS_CONTACT]->(ct)`

var mergeStatements = []string{
	mergeVulnerabilities,
	mergeSeverities,
	mergeReferences,
	mergePackages,
	mergePackageSeverities,
	mergeRanges,
	mergeEvents,
	mergeCredits,
	mergeContacts,
}

// Upserter merges batches of fetched records into the graph with
// merge-by-key semantics: re-ingesting an unchanged record is a no-op for
// node and edge counts.
type Upserter struct {
	db   Client
	repo string
}

func NewUpserter(db Client) *Upserter {
	return &Upserter{db: db, repo: DefaultRepoName}
}

// UpsertBatch classifies the batch into updates and inserts, rebuilds the
// relationships of updated records from empty, and bulk-merges everything
// in one transaction. Returns the number of records processed; a failed
// batch is logged and contributes zero, never aborting the run.
func (u *Upserter) UpsertBatch(ctx context.Context, batch []osv.Vulnerability) int {
	if len(batch) == 0 {
		return 0
	}

	ids := lo.Map(batch, func(v osv.Vulnerability, _ int) string { return v.ID })
	existing, err := u.existingIDs(ctx, ids)
	if err != nil {
		log.Printf("error checking existing vulnerabilities: %v", err)
		return 0
	}

	updates := lo.Filter(ids, func(id string, _ int) bool { return existing[id] })
	if len(updates) > 0 && len(updates) < len(ids) {
		log.Printf("processing %d updates and %d new inserts", len(updates), len(ids)-len(updates))
	}

	var stmts []Statement
	if len(updates) > 0 {
		stmts = append(stmts, Statement{Cypher: deleteRelationships, Params: map[string]any{"ids": updates}})
	}

	batchParam := lo.Map(batch, func(v osv.Vulnerability, _ int) any { return toParam(v) })
	for _, cypher := range mergeStatements {
		stmts = append(stmts, Statement{
			Cypher: cypher,
			Params: map[string]any{"batch": batchParam, "repo": u.repo},
		})
	}

	if err = u.db.Write(ctx, stmts...); err != nil {
		log.Printf("error processing batch of %d: %v", len(batch), err)
		return 0
	}
	return len(batch)
}

func (u *Upserter) existingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	records, err := u.db.Read(ctx, existsQuery, map[string]any{"ids": ids})
	if err != nil {
		return nil, xerrors.Errorf("existence check failed: %w", err)
	}

	existing := make(map[string]bool, len(records))
	for _, r := range records {
		id, ok := r["id"].(string)
		if !ok {
			continue
		}
		exists, _ := r["exists"].(bool)
		existing[id] = exists
	}
	return existing, nil
}

// toParam flattens a normalized record into driver parameter types. Opaque
// ecosystem/database blobs are stored as JSON strings.
func toParam(v osv.Vulnerability) map[string]any {
	return map[string]any{
		"id":                v.ID,
		"summary":           v.Summary,
		"details":           v.Details,
		"modified":          v.Modified,
		"published":         v.Published,
		"schema_version":    v.SchemaVersion,
		"withdrawn":         v.Withdrawn,
		"aliases":           toAnySlice(v.Aliases),
		"related":           toAnySlice(v.Related),
		"database_specific": osv.BlobString(v.DatabaseSpecific),
		"severity":          severityParams(v.Severity),
		"references": lo.Map(v.References, func(r osv.Reference, _ int) any {
			return map[string]any{"url": r.URL, "type": r.Type}
		}),
		"affected": lo.Map(v.Affected, func(a osv.Affected, _ int) any {
			return map[string]any{
				"package": map[string]any{
					"name":      a.Package.Name,
					"ecosystem": a.Package.Ecosystem,
					"purl":      a.Package.Purl,
				},
				"versions":           toAnySlice(a.Versions),
				"severity":           severityParams(a.Severity),
				"ecosystem_specific": osv.BlobString(a.EcosystemSpecific),
				"database_specific":  osv.BlobString(a.DatabaseSpecific),
				"ranges": lo.Map(a.Ranges, func(r osv.Range, _ int) any {
					return map[string]any{
						"type":              r.Type,
						"repo":              r.Repo,
						"database_specific": osv.BlobString(r.DatabaseSpecific),
						"events": lo.Map(r.Events, func(e osv.Event, _ int) any {
							return map[string]any{
								"introduced":    e.Introduced,
								"fixed":         e.Fixed,
								"last_affected": e.LastAffected,
								"limit":         e.Limit,
							}
						}),
					}
				}),
			}
		}),
		"credits": lo.Map(v.Credits, func(c osv.Credit, _ int) any {
			return map[string]any{
				"name":    c.Name,
				"type":    c.Type,
				"contact": toAnySlice(c.Contact),
			}
		}),
	}
}

func severityParams(severities []osv.Severity) []any {
	return lo.Map(severities, func(s osv.Severity, _ int) any {
		return map[string]any{"type": s.Type, "score": s.Score}
	})
}

func toAnySlice(ss []string) []any {
	return lo.Map(ss, func(s string, _ int) any { return s })
}

package graph

import (
	"context"

	"golang.org/x/xerrors"
)

// Indexes backing the merge-by-key writes. Each CREATE is idempotent, so
// Bootstrap can run at every startup.
var indexStatements = []string{
	"CREATE INDEX vulnerability_id_index IF NOT EXISTS FOR (v:Vulnerability) ON (v.id)",
	"CREATE INDEX reference_url_index IF NOT EXISTS FOR (r:Reference) ON (r.url)",
	"CREATE INDEX package_composite_index IF NOT EXISTS FOR (p:Package) ON (p.name, p.ecosystem, p.purl)",
	"CREATE INDEX range_composite_index IF NOT EXISTS FOR (r:Range) ON (r.type, r.repo)",
	"CREATE INDEX event_composite_index IF NOT EXISTS FOR (e:Event) ON (e.introduced, e.fixed)",
	"CREATE INDEX credit_name_index IF NOT EXISTS FOR (c:Credit) ON (c.name)",
	"CREATE INDEX contact_index IF NOT EXISTS FOR (c:Contact) ON (c.contact)",
	"CREATE INDEX severity_composite_index IF NOT EXISTS FOR (s:Severity) ON (s.type, s.score)",
	"CREATE INDEX package_severity_composite_index IF NOT EXISTS FOR (s:PackageSeverity) ON (s.type, s.score)",
}

// Bootstrap provisions the indexes required by the upsert engine. Index
// creation is a schema command and must run outside an explicit
// transaction, hence Execute rather than Write.
func Bootstrap(ctx context.Context, db Client) error {
	for _, stmt := range indexStatements {
		if err := db.Execute(ctx, stmt, nil); err != nil {
			return xerrors.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

package osv

import "encoding/json"

// Property defaults applied at the deserialization boundary. Every optional
// upstream field is coalesced here, once, so graph queries never observe an
// absent property.
const (
	UnknownSummary       = "unknown_summary"
	UnknownDetails       = "unknown_details"
	UnknownModified      = "unknown_modified"
	UnknownPublished     = "unknown_published"
	UnknownSchemaVersion = "unknown_schema_version"
	UnknownSeverityType  = "unknown_severity_type"
	UnknownScore         = "unknown_score"
	UnknownURL           = "unknown_url"
	UnknownReferenceType = "unknown_reference_type"
	UnknownPackageName   = "unknown_package_name"
	UnknownEcosystem     = "unknown_ecosystem"
	UnknownPurl          = "unknown_purl"
	UnknownRangeType     = "unknown_range_type"
	UnknownRepo          = "unknown_repo"
	UnknownIntroduced    = "unknown_introduced"
	UnknownFixed         = "unknown_fixed"
	UnknownLastAffected  = "unknown_last_affected"
	UnknownLimit         = "unknown_limit"
	UnknownCreditName    = "unknown_name"
	UnknownCreditType    = "unknown_credit_type"
	UnknownContact       = "unknown_contact"
)

type Severity struct {
	Type  string `json:"type,omitempty"`
	Score string `json:"score,omitempty"`
}

type Reference struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
}

type Package struct {
	Ecosystem string `json:"ecosystem,omitempty"`
	Name      string `json:"name,omitempty"`
	Purl      string `json:"purl,omitempty"`
}

type Event struct {
	Introduced   string `json:"introduced,omitempty"`
	Fixed        string `json:"fixed,omitempty"`
	LastAffected string `json:"last_affected,omitempty"`
	Limit        string `json:"limit,omitempty"`
}

type Range struct {
	Type             string          `json:"type,omitempty"`
	Repo             string          `json:"repo,omitempty"`
	Events           []Event         `json:"events,omitempty"`
	DatabaseSpecific json.RawMessage `json:"database_specific,omitempty"`
}

type Affected struct {
	Package           Package         `json:"package,omitempty"`
	Ranges            []Range         `json:"ranges,omitempty"`
	Versions          []string        `json:"versions,omitempty"`
	Severity          []Severity      `json:"severity,omitempty"`
	EcosystemSpecific json.RawMessage `json:"ecosystem_specific,omitempty"`
	DatabaseSpecific  json.RawMessage `json:"database_specific,omitempty"`
}

type Credit struct {
	Name    string   `json:"name,omitempty"`
	Type    string   `json:"type,omitempty"`
	Contact []string `json:"contact,omitempty"`
}

// Vulnerability is a single OSV record as returned by the feed API.
// https://ossf.github.io/osv-schema/
type Vulnerability struct {
	ID               string          `json:"id,omitempty"`
	SchemaVersion    string          `json:"schema_version,omitempty"`
	Modified         string          `json:"modified,omitempty"`
	Published        string          `json:"published,omitempty"`
	Withdrawn        string          `json:"withdrawn,omitempty"`
	Aliases          []string        `json:"aliases,omitempty"`
	Related          []string        `json:"related,omitempty"`
	Summary          string          `json:"summary,omitempty"`
	Details          string          `json:"details,omitempty"`
	Severity         []Severity      `json:"severity,omitempty"`
	References       []Reference     `json:"references,omitempty"`
	Affected         []Affected      `json:"affected,omitempty"`
	Credits          []Credit        `json:"credits,omitempty"`
	DatabaseSpecific json.RawMessage `json:"database_specific,omitempty"`
}

func coalesce(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Normalize fills every optional field with its documented default and
// guarantees all list fields are non-nil. The withdrawn marker defaults to
// the empty string, meaning "not withdrawn".
func (v *Vulnerability) Normalize() {
	v.Summary = coalesce(v.Summary, UnknownSummary)
	v.Details = coalesce(v.Details, UnknownDetails)
	v.Modified = coalesce(v.Modified, UnknownModified)
	v.Published = coalesce(v.Published, UnknownPublished)
	v.SchemaVersion = coalesce(v.SchemaVersion, UnknownSchemaVersion)
	if v.Aliases == nil {
		v.Aliases = []string{}
	}
	if v.Related == nil {
		v.Related = []string{}
	}
	if v.Severity == nil {
		v.Severity = []Severity{}
	}
	for i := range v.Severity {
		v.Severity[i].normalize()
	}
	if v.References == nil {
		v.References = []Reference{}
	}
	for i := range v.References {
		v.References[i].Type = coalesce(v.References[i].Type, UnknownReferenceType)
		v.References[i].URL = coalesce(v.References[i].URL, UnknownURL)
	}
	if v.Affected == nil {
		v.Affected = []Affected{}
	}
	for i := range v.Affected {
		v.Affected[i].normalize()
	}
	if v.Credits == nil {
		v.Credits = []Credit{}
	}
	for i := range v.Credits {
		c := &v.Credits[i]
		c.Name = coalesce(c.Name, UnknownCreditName)
		c.Type = coalesce(c.Type, UnknownCreditType)
		if c.Contact == nil {
			c.Contact = []string{}
		}
		for j := range c.Contact {
			c.Contact[j] = coalesce(c.Contact[j], UnknownContact)
		}
	}
}

func (s *Severity) normalize() {
	s.Type = coalesce(s.Type, UnknownSeverityType)
	s.Score = coalesce(s.Score, UnknownScore)
}

func (a *Affected) normalize() {
	a.Package.Name = coalesce(a.Package.Name, UnknownPackageName)
	a.Package.Ecosystem = coalesce(a.Package.Ecosystem, UnknownEcosystem)
	a.Package.Purl = coalesce(a.Package.Purl, UnknownPurl)
	if a.Versions == nil {
		a.Versions = []string{}
	}
	if a.Severity == nil {
		a.Severity = []Severity{}
	}
	for i := range a.Severity {
		a.Severity[i].normalize()
	}
	if a.Ranges == nil {
		a.Ranges = []Range{}
	}
	for i := range a.Ranges {
		r := &a.Ranges[i]
		r.Type = coalesce(r.Type, UnknownRangeType)
		r.Repo = coalesce(r.Repo, UnknownRepo)
		if r.Events == nil {
			r.Events = []Event{}
		}
		for j := range r.Events {
			e := &r.Events[j]
			e.Introduced = coalesce(e.Introduced, UnknownIntroduced)
			e.Fixed = coalesce(e.Fixed, UnknownFixed)
			e.LastAffected = coalesce(e.LastAffected, UnknownLastAffected)
			e.Limit = coalesce(e.Limit, UnknownLimit)
		}
	}
}

// BlobString renders an opaque ecosystem/database specific blob as a JSON
// string for storage as a plain node property. Absent blobs become "".
func BlobString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

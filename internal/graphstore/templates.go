// Package graphstore implements the property-graph engine backing L3
// relationships: a Postgres table of bi-temporal edges, queried only
// through a fixed catalog of named, parameter-validated templates (spec.md
// §4.6.1), grounded on original_source's graph_templates.py catalog.
package graphstore

import "github.com/intelligencedev/memoryd/internal/storage"

// Template categories, matching original_source's TemplateCategory enum.
const (
	CategoryTracking      = "tracking"
	CategoryRelationships = "relationships"
	CategoryCausality     = "causality"
	CategoryDocuments     = "documents"
	CategoryTemporal      = "temporal"
)

// Templates is the fixed catalog of graph query templates. No component may
// query the graph engine outside this set.
var Templates = map[string]storage.GraphTemplate{
	"entity_current_relations": {
		Name:           "entity_current_relations",
		Category:       CategoryRelationships,
		Description:    "All currently-valid relations with subject as the source.",
		RequiredParams: []string{"subject"},
	},
	"entity_mentions": {
		Name:           "entity_mentions",
		Category:       CategoryTracking,
		Description:    "Episodes that mention the given entity, most recent first.",
		RequiredParams: []string{"entity"},
		OptionalParams: map[string]any{"limit": 20},
	},
	"causal_chain": {
		Name:           "causal_chain",
		Category:       CategoryCausality,
		Description:    "Follows caused_by/led_to edges from subject up to depth hops.",
		RequiredParams: []string{"subject"},
		OptionalParams: map[string]any{"depth": 3},
	},
	"document_provenance": {
		Name:           "document_provenance",
		Category:       CategoryDocuments,
		Description:    "Episodes linked to a given knowledge document (episodes that mention its knowledge_id as an entity).",
		RequiredParams: []string{"knowledge_id"},
	},
	"relation_history": {
		Name:           "relation_history",
		Category:       CategoryTemporal,
		Description:    "Every version of a (subject, predicate, object) relation across time, including superseded rows.",
		RequiredParams: []string{"subject", "predicate", "object"},
		Temporal:       true,
	},
}

// Lookup returns the named template, or ok=false if it is not registered.
func Lookup(name string) (storage.GraphTemplate, bool) {
	t, ok := Templates[name]
	return t, ok
}

// MergeParams merges tmpl's optional defaults with params, params taking
// precedence, matching original_source's merge_params.
func MergeParams(tmpl storage.GraphTemplate, params map[string]any) map[string]any {
	merged := make(map[string]any, len(tmpl.OptionalParams)+len(params))
	for k, v := range tmpl.OptionalParams {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

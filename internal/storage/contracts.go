// Package storage defines the narrow driver contracts the tiers are built
// against (spec.md §6). Concrete backends live in internal/vectorstore
// (Qdrant), internal/graphstore (Postgres graph) and the L2/L4 tier packages
// (Postgres); this package only fixes the capability each tier depends on,
// grounded on the teacher's internal/persistence/databases split between
// FullTextSearch, VectorStore, and GraphDB.
package storage

import "context"

// FullTextResult is a single hit from a full-text backend.
type FullTextResult struct {
	ID       string
	Score    float64
	Snippet  string
	Metadata map[string]string
}

// FullTextIndex is the minimum capability a relational-with-FTS backend must
// offer. L2 facts and L4 documents are both indexed this way.
type FullTextIndex interface {
	Index(ctx context.Context, id, text string, metadata map[string]string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int, metadata map[string]string) ([]FullTextResult, error)
}

// VectorResult is a single nearest-neighbor hit.
type VectorResult struct {
	ID       string
	Score    float64 // higher is closer
	Metadata map[string]string
}

// VectorIndex is the minimum capability a vector search engine must offer.
// L3 episode embeddings are stored here.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
}

// GraphTemplate is a named, parameter-gated graph query. Templates are the
// only way code may reach the property-graph engine (spec.md §4.6.1):
// required params are validated before execution, and every template that
// traverses a relation embeds the current-state filter unless it is
// explicitly marked temporal.
type GraphTemplate struct {
	Name           string
	Category       string
	Description    string
	RequiredParams []string
	OptionalParams map[string]any
	Temporal       bool
}

// Validate checks that params satisfies t's required parameters.
func (t GraphTemplate) Validate(params map[string]any) error {
	for _, p := range t.RequiredParams {
		if _, ok := params[p]; !ok {
			return missingParamError(t.Name, p)
		}
	}
	return nil
}

type missingParam struct {
	template string
	param    string
}

func (e missingParam) Error() string {
	return "template " + e.template + ": missing required parameter " + e.param
}

func missingParamError(template, param string) error {
	return missingParam{template: template, param: param}
}

// GraphRow is one row returned by a graph query template.
type GraphRow map[string]any

// GraphEngine is the minimum capability a property-graph engine must offer:
// parameterized, template-gated reads and a single atomic bi-temporal
// supersession write. No component may issue ad-hoc query text; only
// GraphEngine.Query through a registered GraphTemplate.
type GraphEngine interface {
	Query(ctx context.Context, tmpl GraphTemplate, params map[string]any) ([]GraphRow, error)
	// Supersede atomically closes the currently-valid row for
	// (subject, predicate, object) by setting its fact_valid_to to
	// observedAt, and inserts the new row with fact_valid_from = observedAt
	// and fact_valid_to = nil. When there is no currently-valid row, it is
	// simply inserted.
	Supersede(ctx context.Context, subject, predicate, object string, observedAt int64, episodeID string) error
	// CurrentRelations returns every relation row where fact_valid_to is
	// nil (the current-state view), optionally filtered by subject.
	CurrentRelations(ctx context.Context, subject string) ([]GraphRow, error)
}

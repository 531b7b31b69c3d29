// Package query renders SOQL for a stream and splits it when the platform
// would reject it.
//
// A Plan holds one query per field chunk. Chunks of the same plan return the
// same rows in the same primary-key order, so their pages are zipped back
// together by Merge.
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

// MaxQueryLength is the longest SOQL string the REST endpoint accepts in its URL.
const MaxQueryLength = 16000

// SOQLTimeLayout formats datetime literals in WHERE clauses.
const SOQLTimeLayout = "2006-01-02T15:04:05Z"

// Spec describes the rows a stream wants.
type Spec struct {
	Stream         string
	Object         string
	Fields         []string
	PrimaryKey     string
	ReplicationKey string
	// Start and End bound the replication key as [Start, End); a zero value is unbounded.
	Start time.Time
	End   time.Time
	// Where is ANDed with the window, e.g. an Id range.
	Where string
	// Ordered adds ORDER BY on the replication key then the primary key.
	Ordered bool
}

// Query is one SOQL statement and the fields it selects.
type Query struct {
	SOQL   string
	Fields []string
}

// Plan is the set of queries that together return every selected field.
type Plan struct {
	Stream  string
	Queries []Query
}

// Chunked reports whether the plan's rows must be merged by primary key.
func (p *Plan) Chunked() bool { return len(p.Queries) > 1 }

// Planner builds SOQL within a length limit.
type Planner struct {
	maxLength int
}

// NewPlanner returns a planner using MaxQueryLength.
func NewPlanner() *Planner {
	return &Planner{maxLength: MaxQueryLength}
}

// NewPlannerWithLimit returns a planner with a custom length limit.
func NewPlannerWithLimit(maxLength int) *Planner {
	return &Planner{maxLength: maxLength}
}

// Build renders spec.Fields into a single statement without checking its length.
func (p *Planner) Build(spec Spec) string {
	return build(spec, spec.Fields)
}

func build(spec Spec, fields []string) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(fields, ","))
	b.WriteString(" FROM ")
	b.WriteString(spec.Object)

	var conds []string
	if spec.ReplicationKey != "" {
		if !spec.Start.IsZero() {
			conds = append(conds, fmt.Sprintf("%s >= %s", spec.ReplicationKey, spec.Start.UTC().Format(SOQLTimeLayout)))
		}
		if !spec.End.IsZero() {
			conds = append(conds, fmt.Sprintf("%s < %s", spec.ReplicationKey, spec.End.UTC().Format(SOQLTimeLayout)))
		}
	}
	if spec.Where != "" {
		conds = append(conds, spec.Where)
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	if spec.Ordered {
		var order []string
		if spec.ReplicationKey != "" {
			order = append(order, spec.ReplicationKey+" ASC")
		}
		if spec.PrimaryKey != "" {
			order = append(order, spec.PrimaryKey+" ASC")
		}
		if len(order) > 0 {
			b.WriteString(" ORDER BY ")
			b.WriteString(strings.Join(order, ", "))
		}
	}
	return b.String()
}

// Plan returns a single query when it fits, otherwise field chunks that each
// carry the primary key and replication key.
func (p *Planner) Plan(spec Spec) (*Plan, error) {
	if len(spec.Fields) == 0 {
		return nil, errors.Newf(errors.ErrorTypeQuery, "stream %s: no fields selected", spec.Stream)
	}

	full := build(spec, spec.Fields)
	if len(full) <= p.maxLength {
		return &Plan{Stream: spec.Stream, Queries: []Query{{SOQL: full, Fields: spec.Fields}}}, nil
	}
	if spec.PrimaryKey == "" {
		return nil, &errors.QueryTooLongError{
			Stream: spec.Stream,
			Length: len(full),
			Limit:  p.maxLength,
			Reason: "stream has no primary key to merge field chunks on",
		}
	}

	anchors := []string{spec.PrimaryKey}
	if spec.ReplicationKey != "" && spec.ReplicationKey != spec.PrimaryKey {
		anchors = append(anchors, spec.ReplicationKey)
	}
	// Rows of every chunk must come back in the same order.
	spec.Ordered = true

	var queries []Query
	current := append([]string(nil), anchors...)
	added := 0
	for _, f := range spec.Fields {
		if isAnchor(f, anchors) {
			continue
		}
		candidate := append(current[:len(current):len(current)], f)
		if len(build(spec, candidate)) <= p.maxLength {
			current = candidate
			added++
			continue
		}
		if added == 0 {
			alone := build(spec, candidate)
			return nil, &errors.QueryTooLongError{
				Stream: spec.Stream,
				Length: len(alone),
				Limit:  p.maxLength,
				Reason: fmt.Sprintf("field %s does not fit in a query on its own", f),
			}
		}
		queries = append(queries, Query{SOQL: build(spec, current), Fields: current})
		current = append(append([]string(nil), anchors...), f)
		added = 1
		if len(build(spec, current)) > p.maxLength {
			return nil, &errors.QueryTooLongError{
				Stream: spec.Stream,
				Length: len(build(spec, current)),
				Limit:  p.maxLength,
				Reason: fmt.Sprintf("field %s does not fit in a query on its own", f),
			}
		}
	}
	if added > 0 || len(queries) == 0 {
		queries = append(queries, Query{SOQL: build(spec, current), Fields: current})
	}
	return &Plan{Stream: spec.Stream, Queries: queries}, nil
}

func isAnchor(f string, anchors []string) bool {
	for _, a := range anchors {
		if f == a {
			return true
		}
	}
	return false
}

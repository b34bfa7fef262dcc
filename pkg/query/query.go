// Package query builds MongoDB-style query documents for the API server.
//
// Queries are never evaluated locally: each expression serialises to the
// exact JSON shape the server expects and is passed through verbatim.
package query

import "encoding/json"

// Expr is a query expression. Expressions marshal to MongoDB-style JSON
// documents: {"field": value}, {"field": {"$in": [...]}}, {"$and": [...]}
// and so on.
type Expr interface {
	doc() map[string]any
}

type eq struct {
	field string
	value any
}

func (e eq) doc() map[string]any {
	return map[string]any{e.field: e.value}
}

type op struct {
	field    string
	operator string
	value    any
}

func (o op) doc() map[string]any {
	return map[string]any{o.field: map[string]any{o.operator: o.value}}
}

type boolean struct {
	operator string
	exprs    []Expr
}

func (b boolean) doc() map[string]any {
	docs := make([]map[string]any, 0, len(b.exprs))
	for _, e := range b.exprs {
		docs = append(docs, e.doc())
	}
	return map[string]any{b.operator: docs}
}

// Eq matches documents whose field equals value.
func Eq(field string, value any) Expr {
	return eq{field: field, value: value}
}

// In matches documents whose field is one of values.
func In[T any](field string, values ...T) Expr {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return op{field: field, operator: "$in", value: vals}
}

// Nin matches documents whose field is none of values.
func Nin[T any](field string, values ...T) Expr {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return op{field: field, operator: "$nin", value: vals}
}

// Regex matches documents whose field matches the server-side regular
// expression pattern.
func Regex(field, pattern string) Expr {
	return op{field: field, operator: "$regex", value: pattern}
}

// And matches documents satisfying every expression. With a single
// expression the wrapper is elided.
func And(exprs ...Expr) Expr {
	if len(exprs) == 1 {
		return exprs[0]
	}
	return boolean{operator: "$and", exprs: exprs}
}

// Or matches documents satisfying any expression. With a single expression
// the wrapper is elided.
func Or(exprs ...Expr) Expr {
	if len(exprs) == 1 {
		return exprs[0]
	}
	return boolean{operator: "$or", exprs: exprs}
}

// Doc returns the query as a plain map, for embedding in resource bodies.
func Doc(e Expr) map[string]any {
	if e == nil {
		return map[string]any{}
	}
	return e.doc()
}

// Marshal renders the expression as compact JSON, the form sent in the
// q= request parameter.
func Marshal(e Expr) (string, error) {
	b, err := json.Marshal(Doc(e))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Package types defines the resource models shared by executors: nodes,
// groups, applications, recipes and triggers. Executors hold only
// transient projections of these; the API server owns the durable state.
package types

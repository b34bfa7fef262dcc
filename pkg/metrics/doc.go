// Package metrics defines the Prometheus instruments exported by Perfect
// Storm executors.
package metrics

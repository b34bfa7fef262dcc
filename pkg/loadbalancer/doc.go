// Package loadbalancer runs one HAProxy instance per exposed application
// service and reconciles its backend slots with the members backing the
// service. Removals run before additions so freed slots can be reused in
// the same tick.
package loadbalancer

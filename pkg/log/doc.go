// Package log provides the global zerolog-based logger used across
// Perfect Storm executors.
package log

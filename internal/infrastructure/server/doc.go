// Package server wires the admin API, its middleware and /metrics into an
// HTTP server with graceful shutdown.
package server

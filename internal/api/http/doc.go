// Package http serves the admin API of a running kernel: health, metrics,
// kernel inspection, the name space, service invocation and a live span
// stream.
//
//	GET  /health
//	GET  /metrics
//	GET  /kernel/stats
//	GET  /kernel/threads
//	GET  /kernel/snapshot        JSON, or zstd-compressed CBOR with ?format=cbor
//	GET  /names
//	GET  /services
//	POST /invoke
//	GET  /trace/stream           websocket
package http

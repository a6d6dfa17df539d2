// Package dispatch implements the server side of synchronous IPC: a loop
// that waits on every registered gate, decodes the opcode, runs the
// handler and answers with the compound reply-and-wait.
//
// Components:
//   - Registry: gates bound to the server thread, keyed by label
//   - Handler / Mux: per-protocol request handlers, opcode jump table
//   - Policy: buffer and timeout setup consulted before each wait
//   - Server: the loop itself, with hooks, metrics and tracing
//
// Error replies carry the negated errno as label. A handler can never
// stop the loop; only context cancellation or thread death does.
//
// Example Usage:
//
//	srv := dispatch.NewServer(thread, dispatch.WithLogger(log))
//	mux := dispatch.NewMux(0x7000).Handle(1, add)
//	gate, _ := srv.Registry().Serve(mux)
//	go srv.Run(ctx)
package dispatch

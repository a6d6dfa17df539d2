// Package types provides shared data structures for services and the
// admin API.
//
// Core Types:
//   - Service: a served protocol and its operations
//   - Op, Param: one opcode and its typed arguments and results
//   - InvokeRequest, InvokeResponse: admin API calls into a service
//
// Param types name message register encodings: i64, u64, f64, bool,
// string.
package types

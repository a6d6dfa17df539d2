// Command l4core boots the kernel, starts the services of a boot manifest
// and serves the admin API.
//
// Configuration comes from the environment (see package config); flags
// override it.
//
// Usage:
//
//	l4core -manifest boot.yaml -port 8000
//	l4core -dev -log-level debug
//	l4core -snapshot-on-exit /tmp/kernel.cbor.zst
//
// SIGINT and SIGTERM stop the admin server and every dispatch loop.
package main

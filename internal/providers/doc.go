// Package providers is the catalog of services the boot path can start.
//
// Every provider exposes one IPC protocol through a dispatch handler and
// describes its operations with typed parameters, which the admin API
// uses to encode calls.
//
// Available Providers:
//   - calc: checked integer arithmetic and a floating point mean
//   - echo: string echo, upper-casing and a sleep for timeout tests
//
// Example Usage:
//
//	p, err := providers.New("calc")
//	gate, err := srv.Registry().Serve(p.Handler())
package providers

/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the kernel,
tracking IPC system calls, kernel object invocations, pager round trips,
server dispatch and the admin HTTP API.

# Features

- IPC metrics (operation, result, error code, latency including blocking)
- Kernel object metrics (invocations per kind, live objects)
- Page fault metrics (pager round trips)
- Dispatch metrics (per protocol status and handler latency)
- Admin HTTP request metrics

# Usage

	// Create metrics collector on its own registry
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Time a handler
	timer := monitoring.NewTimer(metrics, "calc")
	// ... handle request ...
	timer.Stop("ok")

# Metrics Endpoint

	handler := promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})
	router.GET("/metrics", gin.WrapH(handler))
*/
package monitoring

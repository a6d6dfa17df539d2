// Package config loads process configuration from the environment.
//
// Every field has an envconfig tag and a default; Default returns the
// same values without reading the environment. Command-line flags of
// cmd/l4core are applied on top of the loaded values.
//
//	PORT, HOST, SHUTDOWN_TIMEOUT          admin HTTP server
//	KERNEL_CAP_TABLE_SIZE                 capability slots per task
//	KERNEL_FRAME_SLABS, _FRAMES_PER_SLAB  frame allocator size
//	KERNEL_PAGER_RETRIES, _PAGER_TIMEOUT  page fault resolution bounds
//	KERNEL_FACTORY_QUOTA                  objects the root factory creates
//	BOOT_MANIFEST                         services started at boot
//	LOG_LEVEL, LOG_DEV, LOG_OUTPUT        logging
//	RATE_LIMIT_RPS, _BURST, _ENABLED      admin API rate limit
//	TRACE_ENABLED, TRACE_BUFFER           span collection
package config

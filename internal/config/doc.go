/*
Package config provides configuration management for graphfs.

Configuration is layered: compiled-in defaults, then a YAML file, then
GRAPHFS_* environment variables. Validate is run once all sources have been
applied.

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (GRAPHFS_*)                       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (NewDefault)                         │
	└─────────────────────────────────────────────┘

# Configuration Structure

Global: log level, log file, log format and the metrics port.

Cache: capacity and timing of the cache that holds bitmap pages.

Allocator: number of bits tracked and the first device block of the bitmap.
Each bitmap page occupies exactly one device block.

Device: the block device type (file, s3, badger or memory), its path,
block size and block compression (none, lz4 or zstd).

S3: bucket, key prefix, endpoint, credentials, retry policy and circuit
breaker used when the device type is s3.

Health: consecutive-error thresholds for degraded and unavailable devices,
and the interval of background health probes.

# Usage Examples

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/graphfs/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

Configuration file format:

	global:
	  log_level: INFO
	  log_format: json
	  metrics_port: 9090

	cache:
	  name: bitmap
	  capacity: 64
	  sweep_interval: 100ms
	  wait_timeout: 5s

	allocator:
	  total_bits: 1048576
	  bitmap_block: 1

	device:
	  type: s3
	  block_size: 4096
	  compression: zstd

	s3:
	  bucket: graphfs-data
	  prefix: volumes/main
	  region: us-east-1
	  retry:
	    max_attempts: 4
	    initial_delay: 50ms
	    max_delay: 5s
	  circuit_breaker:
	    enabled: true
	    failure_threshold: 5
	    open_timeout: 30s

	health:
	  error_threshold: 3
	  unavailable_threshold: 10
	  check_interval: 30s

Environment variable mapping:

	GRAPHFS_LOG_LEVEL="DEBUG"
	GRAPHFS_CACHE_CAPACITY="128"
	GRAPHFS_DEVICE_TYPE="badger"
	GRAPHFS_DEVICE_PATH="/var/lib/graphfs/db"
	GRAPHFS_S3_BUCKET="graphfs-data"
	GRAPHFS_S3_CIRCUIT_BREAKER_ENABLED="false"
	GRAPHFS_HEALTH_CHECK_INTERVAL="1m"

All errors carry the CONFIG_LOAD, CONFIG_SAVE or CONFIG_VALIDATION codes
from pkg/errors.
*/
package config

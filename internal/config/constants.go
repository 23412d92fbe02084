package config

import "time"

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 60 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Redis ping timeout on connect
const RedisPingTimeout = 5 * time.Second

// Sweep runs are bounded so a slow store cannot stall the sweeper.
const SweepTimeout = 30 * time.Second

// MultipartOverhead is the allowance for multipart framing on top of the
// payload ceiling.
const MultipartOverhead = 1 << 20

// Failed token lookups refill at this rate per client IP.
const FailedLookupRefill = time.Minute / 10

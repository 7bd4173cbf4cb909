// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between components and makes the
// durations discoverable.
package timeouts

import "time"

// TransportDial caps the wait time when dialing the remote sync endpoint.
const TransportDial = 5 * time.Second

// TransportWrite caps the time allowed for a single outbound message write.
const TransportWrite = 10 * time.Second

// Shutdown limits how long background loops may take to drain during
// graceful shutdown.
const Shutdown = 5 * time.Second

// RepositoryOp bounds a single repository read or write issued from a
// background loop, so a wedged database cannot stall the loop forever.
const RepositoryOp = 10 * time.Second

// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between boundaries and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// OrchestratorDial caps the wait time when dialing the orchestration
// backend's event stream.
const OrchestratorDial = 5 * time.Second

// PersistenceCall caps each fire-and-forget persistence call issued when a
// deliberation completes.
const PersistenceCall = 10 * time.Second

// AgentDeadline is the default per-agent liveness deadline: an agent that
// streams no completion within this window is marked timed out.
const AgentDeadline = 2 * time.Minute

// Package timeouts centralizes shared timeout defaults so processes stay consistent.
package timeouts

import "time"

const (
	// HTTPRequest bounds a single request to the main device ledger API.
	HTTPRequest = 5 * time.Second

	// Probe bounds a reachability probe against the main device.
	Probe = 2 * time.Second

	// Shutdown bounds graceful HTTP server shutdown.
	Shutdown = 5 * time.Second

	// ReadHeader bounds reading request headers on served connections.
	ReadHeader = 5 * time.Second
)

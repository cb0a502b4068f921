package plugin

import "errors"

// Sentinel errors for plugin failure modes.
// Callers should use errors.Is() to check for these.
var (
	// ErrLoad indicates the plugin script failed to compile or did not
	// declare the required surface (name, version, scan function).
	ErrLoad = errors.New("plugin: load failed")

	// ErrTimeout indicates a scan call exceeded the worker's deadline.
	// The worker is restarted after returning this.
	ErrTimeout = errors.New("plugin: scan timeout")

	// ErrExecution indicates the plugin script faulted at runtime.
	ErrExecution = errors.New("plugin: execution failed")

	// ErrWorkerClosed indicates the worker has been shut down.
	ErrWorkerClosed = errors.New("plugin: worker closed")

	// ErrNotFound indicates no plugin is registered under the given ID.
	ErrNotFound = errors.New("plugin: not found")

	// ErrAlreadyRegistered indicates a plugin ID collision at registration.
	ErrAlreadyRegistered = errors.New("plugin: already registered")
)

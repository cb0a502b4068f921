package proxy

import "errors"

var (
	// ErrAlreadyRunning is returned when ListenAndServe is called on
	// a service that is already serving.
	ErrAlreadyRunning = errors.New("proxy: already running")

	// ErrClosed is returned for operations on a stopped service.
	ErrClosed = errors.New("proxy: service closed")

	// ErrNoPending is returned when resolving a transaction the
	// interceptor is not holding, including one already resolved.
	ErrNoPending = errors.New("proxy: no pending interception for transaction")
)

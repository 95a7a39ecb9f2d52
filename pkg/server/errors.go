package server

import "errors"

var (
	// ErrAuthFailed is returned when a connection fails the login exchange.
	// Wrong passwords fail hard: there is no retry after the first attempt.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUnknownIdentity is returned when an operation names a username the
	// registry has never seen. For internal lookups this is a contract
	// violation and tears down the calling connection only.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrUnknownConnection is returned when a connection handle is missing
	// from the reverse map.
	ErrUnknownConnection = errors.New("unknown connection")
)

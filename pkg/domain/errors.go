package domain

import (
	"errors"
)

// Common domain errors
var (
	// ErrConnectionNotFound is returned when a connection is not registered
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrConnectionExists is returned when registering an ID twice
	ErrConnectionExists = errors.New("connection already exists")

	// ErrConnectionClosed is returned when writing to a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSlowConsumer is returned when the outbound queue overflowed under
	// the disconnect policy
	ErrSlowConsumer = errors.New("slow consumer")

	// ErrNotMember is returned when acting on a room the connection has not joined
	ErrNotMember = errors.New("connection is not a member of the room")

	// ErrShuttingDown is returned once the gateway stopped accepting connections
	ErrShuttingDown = errors.New("gateway is shutting down")

	// ErrSessionNotFound is returned when a resumable session is unknown or expired
	ErrSessionNotFound = errors.New("session not found")
)

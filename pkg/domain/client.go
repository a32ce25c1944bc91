package domain

import (
	"context"
)

// Client represents a live transport connection the gateway can write to.
type Client interface {
	// ID returns the unique identifier of the connection
	ID() string

	// Send enqueues an encoded frame on the connection's outbound queue.
	// It never blocks on the network.
	Send(ctx context.Context, frame []byte) error

	// Close closes the connection with a close code and reason
	Close(code int, reason string) error

	// Context is cancelled when the connection goes away
	Context() context.Context
}

// CloseReason explains why the gateway closed a connection.
type CloseReason string

const (
	CloseNormal     CloseReason = "normal"
	CloseKicked     CloseReason = "kicked"
	CloseShutdown   CloseReason = "server-shutdown"
	CloseSlowClient CloseReason = "slow-consumer"
	CloseAuthFailed CloseReason = "auth-failed"
	CloseHeartbeat  CloseReason = "heartbeat-timeout"
	// CloseClientLeft is a clean close initiated by the client.
	CloseClientLeft CloseReason = "client-closed"
	// CloseTransportLost is an abnormal drop of the underlying transport.
	CloseTransportLost CloseReason = "transport-lost"
)

// Resumable reports whether a connection closed for this reason may be
// resumed within the reconnect window.
func (r CloseReason) Resumable() bool {
	return r == CloseTransportLost || r == CloseHeartbeat
}

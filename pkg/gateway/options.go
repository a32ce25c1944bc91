package gateway

import (
	"github.com/HMasataka/gateway/internal/logging"
	"github.com/HMasataka/gateway/pkg/auth"
	"github.com/HMasataka/gateway/pkg/backplane"
	"github.com/HMasataka/gateway/pkg/metrics"
	"github.com/HMasataka/gateway/pkg/room"
	"github.com/benbjohnson/clock"
)

type options struct {
	validator     auth.SessionValidator
	backplane     backplane.Backplane
	checker       room.ResourceChecker
	resolver      room.PolicyResolver
	notifications NotificationStore
	recorder      *metrics.Recorder
	logger        *logging.Logger
	clock         clock.Clock
}

// Option configures a Gateway.
type Option func(*options)

// WithSessionValidator sets the session store used at handshake. It is required.
func WithSessionValidator(v auth.SessionValidator) Option {
	return func(o *options) {
		o.validator = v
	}
}

// WithBackplane sets the pub/sub transport shared with other instances.
// Without it the gateway runs standalone on a private in-memory broker.
func WithBackplane(bp backplane.Backplane) Option {
	return func(o *options) {
		o.backplane = bp
	}
}

// WithResourceChecker sets the predicate behind resource-scoped rooms.
// Without it every resource-scoped join is denied.
func WithResourceChecker(c room.ResourceChecker) Option {
	return func(o *options) {
		o.checker = c
	}
}

// WithPolicyResolver overrides the room-ID prefix convention.
func WithPolicyResolver(r room.PolicyResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithNotificationStore persists notification read state.
func WithNotificationStore(s NotificationStore) Option {
	return func(o *options) {
		o.notifications = s
	}
}

// WithMetrics shares a recorder with the host, e.g. for a Prometheus collector.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock used for session expiry and backplane backoff.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

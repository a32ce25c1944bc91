// Package auth admits connections by validating their bearer token against an
// external session validator.
package auth

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/HMasataka/gateway/internal/logging"
	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
)

// DefaultTimeout bounds a single validator call.
const DefaultTimeout = 5 * time.Second

var (
	// ErrInvalidSession is returned by validators for unknown tokens.
	ErrInvalidSession = stderrors.New("invalid session")
	// ErrSessionExpired is returned by validators for expired tokens.
	ErrSessionExpired = stderrors.New("session expired")
)

// SessionValidator resolves a session token to an identity. Implementations
// live outside the gateway; the gateway only consumes them.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (domain.Identity, error)
}

// ValidatorFunc adapts a function to SessionValidator.
type ValidatorFunc func(ctx context.Context, token string) (domain.Identity, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (domain.Identity, error) {
	return f(ctx, token)
}

// Handshake is the credential material presented when a connection opens.
type Handshake struct {
	Token     string
	SessionID string
	Namespace domain.Namespace
}

// Authenticator validates handshakes. It fails closed: any validator error,
// timeout or incomplete identity rejects the connection.
type Authenticator struct {
	validator SessionValidator
	timeout   time.Duration
	logger    *logging.Logger
}

// NewAuthenticator creates an authenticator. A non-positive timeout uses DefaultTimeout.
func NewAuthenticator(validator SessionValidator, timeout time.Duration, logger *logging.Logger) *Authenticator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Authenticator{
		validator: validator,
		timeout:   timeout,
		logger:    logger,
	}
}

// Authenticate resolves the handshake token to an identity.
func (a *Authenticator) Authenticate(ctx context.Context, h Handshake) (domain.Identity, error) {
	token := strings.TrimSpace(h.Token)
	if token == "" {
		return domain.Identity{}, errors.New(errors.ErrorTypeUnauthorized, errors.CodeAuthFailed, "authentication failed").
			WithDetails("missing token")
	}

	identity, err := a.validate(ctx, token)
	if err != nil {
		a.logger.Info("handshake rejected",
			"namespace", string(h.Namespace),
			"error", err.Error(),
		)
		return domain.Identity{}, err
	}

	return identity, nil
}

// Revalidate re-queries the validator for a privileged action and checks
// that the session still carries the required role.
func (a *Authenticator) Revalidate(ctx context.Context, token string, required domain.Role) (domain.Identity, error) {
	identity, err := a.validate(ctx, token)
	if err != nil {
		return domain.Identity{}, err
	}
	if required == domain.RoleAdmin && !identity.IsAdmin() {
		return domain.Identity{}, errors.New(errors.ErrorTypeForbidden, errors.CodeAccessDenied, "insufficient role").
			WithDetails(string(required))
	}
	return identity, nil
}

// validate calls the validator under the configured timeout. A validator that
// ignores ctx cannot hold the handshake past the deadline.
func (a *Authenticator) validate(ctx context.Context, token string) (domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		identity domain.Identity
		err      error
	}
	done := make(chan result, 1)
	go func() {
		identity, err := a.validator.Validate(ctx, token)
		done <- result{identity, err}
	}()

	select {
	case <-ctx.Done():
		return domain.Identity{}, errors.Wrap(ctx.Err(), errors.ErrorTypeUnauthorized, errors.CodeAuthTimeout, "session validation timed out")
	case r := <-done:
		if r.err != nil {
			if stderrors.Is(r.err, context.DeadlineExceeded) {
				return domain.Identity{}, errors.Wrap(r.err, errors.ErrorTypeUnauthorized, errors.CodeAuthTimeout, "session validation timed out")
			}
			return domain.Identity{}, errors.Wrap(r.err, errors.ErrorTypeUnauthorized, errors.CodeAuthFailed, "authentication failed")
		}
		if r.identity.UserID == "" {
			return domain.Identity{}, errors.New(errors.ErrorTypeUnauthorized, errors.CodeAuthFailed, "authentication failed").
				WithDetails("validator returned no user")
		}
		if r.identity.Role == "" {
			r.identity.Role = domain.RoleUser
		}
		return r.identity, nil
	}
}

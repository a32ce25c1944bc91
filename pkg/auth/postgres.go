package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgxpool.Pool the stores need.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectSession = `
SELECT user_id, role, COALESCE(display_name, ''), expires_at
FROM sessions
WHERE token = $1`

// PostgresStore validates tokens against the sessions table owned by the
// identity service.
type PostgresStore struct {
	db  Querier
	now func() time.Time
}

// NewPostgresStore creates a validator backed by db.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Validate implements SessionValidator.
func (s *PostgresStore) Validate(ctx context.Context, token string) (domain.Identity, error) {
	var (
		userID      string
		role        string
		displayName string
		expiresAt   *time.Time
	)

	err := s.db.QueryRow(ctx, selectSession, token).Scan(&userID, &role, &displayName, &expiresAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Identity{}, ErrInvalidSession
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("query session: %w", err)
	}

	if expiresAt != nil && !s.now().Before(*expiresAt) {
		return domain.Identity{}, ErrSessionExpired
	}

	return domain.Identity{
		UserID:      userID,
		Role:        domain.ParseRole(role),
		DisplayName: displayName,
	}, nil
}

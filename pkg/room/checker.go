package room

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
)

// ResourceChecker reports whether an external resource is currently visible
// (published and not deleted).
type ResourceChecker interface {
	Accessible(ctx context.Context, resourceID string) (bool, error)
}

// CheckerFunc adapts a function to ResourceChecker.
type CheckerFunc func(ctx context.Context, resourceID string) (bool, error)

func (f CheckerFunc) Accessible(ctx context.Context, resourceID string) (bool, error) {
	return f(ctx, resourceID)
}

// cachedChecker memoizes checker answers for a bounded time so an unpublished
// resource stops admitting joins once its entry expires. Errors are never cached.
type cachedChecker struct {
	checker ResourceChecker
	cache   *expirable.LRU[string, bool]
}

func newCachedChecker(checker ResourceChecker, size int, ttl time.Duration) *cachedChecker {
	return &cachedChecker{
		checker: checker,
		cache:   expirable.NewLRU[string, bool](size, nil, ttl),
	}
}

func (c *cachedChecker) Accessible(ctx context.Context, resourceID string) (bool, error) {
	if ok, hit := c.cache.Get(resourceID); hit {
		return ok, nil
	}
	if c.checker == nil {
		return false, stderrors.New("no resource checker configured")
	}

	ok, err := c.checker.Accessible(ctx, resourceID)
	if err != nil {
		return false, err
	}
	c.cache.Add(resourceID, ok)
	return ok, nil
}

func (c *cachedChecker) forget(resourceID string) {
	c.cache.Remove(resourceID)
}

func (c *cachedChecker) purge() {
	c.cache.Purge()
}

// Querier is the subset of pgxpool.Pool used by PostgresResourceChecker.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectResourceVisible = `
SELECT published AND NOT deleted
FROM resources
WHERE id = $1`

// PostgresResourceChecker answers visibility from the content store's
// resources table. Missing rows are not accessible.
type PostgresResourceChecker struct {
	db Querier
}

func NewPostgresResourceChecker(db Querier) *PostgresResourceChecker {
	return &PostgresResourceChecker{db: db}
}

func (c *PostgresResourceChecker) Accessible(ctx context.Context, resourceID string) (bool, error) {
	var visible bool
	err := c.db.QueryRow(ctx, selectResourceVisible, resourceID).Scan(&visible)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query resource %s: %w", resourceID, err)
	}
	return visible, nil
}

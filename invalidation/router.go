package invalidation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-story-cache/structure"
	"github.com/saiset-co/sai-story-cache/types"
)

const DefaultBulkConcurrency = 8

// PatternInvalidator deletes every key matching a trailing-wildcard pattern
// and reports whether the active tier completed the delete.
type PatternInvalidator interface {
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
}

// Router is the single call site for cache invalidation after a write.
// Any mutation under a root drops every cached variant of that root.
type Router struct {
	logger      types.Logger
	cache       PatternInvalidator
	revisions   types.RevisionTracker
	concurrency int
}

func NewRouter(logger types.Logger, cache PatternInvalidator, revisions types.RevisionTracker) *Router {
	return &Router{
		logger:      logger,
		cache:       cache,
		revisions:   revisions,
		concurrency: DefaultBulkConcurrency,
	}
}

// OnMutate must be called after every successful write under rootID. For a
// story written on its own, rootID may be left empty.
func (r *Router) OnMutate(ctx context.Context, entityType, entityID, rootID string) error {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" || entityID == "" {
		return types.Errorf(types.ErrInvalidParameter, "entity type and id are required")
	}

	if rootID == "" && entityType == types.EntityStory {
		rootID = entityID
	}
	if rootID == "" {
		return types.Errorf(types.ErrInvalidParameter, "root id is required for %s %s", entityType, entityID)
	}
	if err := structure.ValidateRootID(rootID); err != nil {
		return err
	}

	deleted, err := r.invalidateRoot(ctx, rootID)
	if err != nil {
		return err
	}

	r.logger.Debug("Root invalidated",
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("root_id", rootID),
		zap.Int("deleted", deleted))

	return nil
}

// OnBulkMutate invalidates independent roots in parallel. Every id is
// checked before any delete runs, and any failed delete fails the call.
func (r *Router) OnBulkMutate(ctx context.Context, rootIDs []string) error {
	seen := make(map[string]struct{}, len(rootIDs))
	roots := make([]string, 0, len(rootIDs))

	for i, rootID := range rootIDs {
		if err := structure.ValidateRootID(rootID); err != nil {
			return types.WrapError(err, fmt.Sprintf("root id at index %d", i))
		}
		if _, dup := seen[rootID]; dup {
			continue
		}
		seen[rootID] = struct{}{}
		roots = append(roots, rootID)
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for _, rootID := range roots {
		rootID := rootID
		g.Go(func() error {
			_, err := r.invalidateRoot(ctx, rootID)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		r.logger.Error("Bulk invalidation failed", zap.Int("roots", len(roots)), zap.Error(err))
		return err
	}

	r.logger.Debug("Bulk invalidation finished", zap.Int("roots", len(roots)))

	return nil
}

func (r *Router) invalidateRoot(ctx context.Context, rootID string) (int, error) {
	if r.revisions != nil {
		r.revisions.Bump(rootID)
	}

	deleted, err := r.cache.InvalidatePattern(ctx, structure.RootPattern(rootID))
	if err != nil {
		return deleted, types.WrapError(err, "invalidate root "+rootID)
	}

	return deleted, nil
}

package cache

import (
	"context"
	"time"
)

// Cache is a best-effort key/value store for expensive read views.
// Implementations never surface backend failures: a failed read is a miss and
// a failed write is logged and dropped.
type Cache interface {
	// Get decodes the value stored under key into dest and reports whether it was found.
	Get(ctx context.Context, key string, dest any) bool

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value any, ttl time.Duration)

	// Delete removes a single key.
	Delete(ctx context.Context, key string)

	// DeletePrefix removes every key starting with prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) int

	// Close closes the cache connection
	Close() error
}

const ownerKeyPrefix = "docs:"

// OwnerPrefix is the prefix shared by every cached view belonging to owner.
func OwnerPrefix(ownerID string) string {
	return ownerKeyPrefix + ownerID + ":"
}

// GenerationKey holds the generation the owner's list views are stored under.
// Invalidating the owner prefix drops it, so a list filled from a read that
// raced the invalidation lands under a generation nobody reads again.
func GenerationKey(ownerID string) string {
	return OwnerPrefix(ownerID) + "gen"
}

// DocumentListKey is the key of owner's document list view in generation.
func DocumentListKey(ownerID, generation string) string {
	return OwnerPrefix(ownerID) + "list:" + generation
}

package cache

import (
	"context"
	"time"
)

// Key addresses one cached archive document. Keys are namespaced by what
// they cache so eviction can target everything attached to a resource.
type Key string

// TagsKey caches the canonical JSON projection of an instance.
func TagsKey(instancePublicID string) Key {
	return Key("tags:" + instancePublicID)
}

// ResourceKey caches a rendered resource document.
func ResourceKey(level, publicID string) Key {
	return Key("resource:" + level + ":" + publicID)
}

func (k Key) String() string {
	return string(k)
}

// Cache sits in front of JSON attachment reads. Backends: in-process
// (default) and Redis. Entries are advisory; the index stays the source of
// truth and deletions must evict through EvictInstance.
type Cache interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key Key) error
	Exists(ctx context.Context, key Key) (bool, error)
	// Clear drops every entry whose key starts with prefix.
	Clear(ctx context.Context, prefix string) error
	Close() error
}

// EvictInstance removes every cached document of a deleted instance,
// keeping the byte cache coherent with the index.
func EvictInstance(ctx context.Context, c Cache, instancePublicID string) error {
	if c == nil {
		return nil
	}
	if err := c.Delete(ctx, TagsKey(instancePublicID)); err != nil {
		return err
	}
	return c.Delete(ctx, ResourceKey("Instance", instancePublicID))
}

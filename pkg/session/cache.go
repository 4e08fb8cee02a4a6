package session

import (
	"context"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore fronts another Store with an LRU of recently used sessions.
// Writes go through to the inner store before the cache is updated.
type CachedStore struct {
	inner Store
	cache *lru.Cache[string, *Session]
}

// NewCachedStore wraps inner with a cache holding up to size sessions.
func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner store cannot be nil")
	}
	cache, err := lru.New[string, *Session](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

func (c *CachedStore) Save(ctx context.Context, s *Session) error {
	if s == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if err := c.inner.Save(ctx, s); err != nil {
		c.cache.Remove(s.ID)
		return err
	}
	c.cache.Add(s.ID, s.Clone())
	return nil
}

func (c *CachedStore) Load(ctx context.Context, id string) (*Session, error) {
	if s, ok := c.cache.Get(id); ok {
		return s.Clone(), nil
	}
	s, err := c.inner.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, s.Clone())
	return s, nil
}

func (c *CachedStore) Delete(ctx context.Context, id string) error {
	c.cache.Remove(id)
	return c.inner.Delete(ctx, id)
}

func (c *CachedStore) List(ctx context.Context, agentID string) ([]string, error) {
	return c.inner.List(ctx, agentID)
}

// Unwrap returns the inner store.
func (c *CachedStore) Unwrap() Store {
	return c.inner
}

// Len reports the number of cached sessions.
func (c *CachedStore) Len() int {
	return c.cache.Len()
}

// Close closes the inner store when it holds resources.
func (c *CachedStore) Close() error {
	c.cache.Purge()
	if closer, ok := c.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

package cache

import (
	"context"
	"errors"
	"sharebox/pkg/domain"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is the in-process hot cache. A nil *LRU is a valid, always-empty cache.
type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
}

type item struct {
	content *domain.Content
	exp     time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

// Get returns a copy of the cached record so callers cannot mutate the entry.
func (l *LRU) Get(ctx context.Context, id string) *domain.Content {
	if l == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(id)
	if !ok {
		return nil
	}
	if time.Now().After(it.exp) {
		l.c.Remove(id)
		return nil
	}
	cp := *it.content
	return &cp
}

func (l *LRU) Set(ctx context.Context, c *domain.Content, ttl time.Duration) {
	if l == nil || ttl <= 0 {
		return
	}
	cp := *c
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(c.ID, item{
		content: &cp,
		exp:     time.Now().Add(ttl),
	})
}

func (l *LRU) Delete(id string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(id)
}

func (l *LRU) Len() int {
	if l == nil {
		return 0
	}
	return l.c.Len()
}

package svc

import (
	"context"
	"sharebox/cfg"
	"sharebox/metrics"
	"sharebox/pkg/domain"
	"sharebox/svc/cache"
	"sharebox/svc/db"
	"sharebox/svc/util"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const maxIDAttempts = 5

// invalidationBus carries cache invalidations between processes that share a
// store. *db.Redis implements it with pub/sub.
type invalidationBus interface {
	PublishInvalidation(ctx context.Context, id string) error
	Invalidations(ctx context.Context) (<-chan string, error)
}

type Content struct {
	store    db.Store
	lru      *cache.LRU
	rdb      *db.Redis
	bus      invalidationBus
	conf     *cfg.Store
	cacheTTL time.Duration
	group    singleflight.Group

	// gen changes on every invalidation; a read that started under an older
	// generation must not repopulate the caches.
	cacheMu sync.Mutex
	gen     uint64

	now   func() time.Time
	genID func() (string, error)
}

// NewContent wires the content service. lru and rdb may be nil. With rdb set,
// deletes are broadcast to other processes once SubscribeInvalidations runs.
func NewContent(store db.Store, lru *cache.LRU, rdb *db.Redis, conf *cfg.Store, cacheTTL time.Duration) *Content {
	if store == nil || conf == nil {
		panic("content service: nil dependency (store or conf)")
	}
	s := &Content{
		store:    store,
		lru:      lru,
		rdb:      rdb,
		conf:     conf,
		cacheTTL: cacheTTL,
		now:      time.Now,
		genID:    util.GenShortID,
	}
	if rdb != nil {
		s.bus = rdb
	}
	return s
}

// SubscribeInvalidations drops LRU entries deleted by other processes until
// ctx is done. It returns once the subscription is live.
func (s *Content) SubscribeInvalidations(ctx context.Context) error {
	if s.bus == nil || s.lru == nil {
		return nil
	}
	ids, err := s.bus.Invalidations(ctx)
	if err != nil {
		return errors.Wrap(err, "subscribe invalidations")
	}
	go func() {
		for id := range ids {
			s.invalidateLocal(id)
		}
	}()
	return nil
}

// Save validates params and inserts a new record, returning its ID.
func (s *Content) Save(ctx context.Context, p domain.CreateParams) (string, error) {
	now := s.now()
	limits := s.conf.Current().Content

	if len(p.Content) > limits.MaxContentSize {
		return "", domain.ErrContentTooLarge
	}
	if p.Content == "" {
		return "", domain.ErrContentRequired
	}
	if p.CustomID != "" {
		if err := util.ValidateCustomID(p.CustomID); err != nil {
			return "", err
		}
	}

	c := &domain.Content{
		Content:    p.Content,
		Title:      p.Title,
		CreatedAt:  now,
		ExpiresAt:  domain.ComputeExpiry(p.ExpireHours, now),
		RenderMode: domain.ParseRenderMode(string(p.RenderMode)),
	}

	if p.CustomID != "" {
		c.ID = p.CustomID
		if err := s.store.Insert(ctx, c); err != nil {
			if domain.IsDuplicateID(err) {
				metrics.DuplicateIDs.WithLabelValues("custom").Inc()
				util.Info().Str("id", c.ID).Msg("custom id already taken")
			}
			return "", err
		}
		s.created(c)
		return c.ID, nil
	}

	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		id, err := s.genID()
		if err != nil {
			return "", errors.Wrap(err, "gen id")
		}
		c.ID = id
		err = s.store.Insert(ctx, c)
		if err == nil {
			s.created(c)
			return c.ID, nil
		}
		if !domain.IsDuplicateID(err) {
			return "", err
		}
		metrics.DuplicateIDs.WithLabelValues("generated").Inc()
		util.Warn().Str("id", id).Int("attempt", attempt).Msg("generated id collided, retrying")
	}
	return "", domain.ErrIDGenerationFailed
}

func (s *Content) created(c *domain.Content) {
	metrics.ContentCreated.Inc()
	util.Info().
		Str("id", c.ID).
		Str("render_mode", string(c.RenderMode)).
		Int("size", len(c.Content)).
		Str("preview", util.RedactContent(c.Content)).
		Bool("expires", c.ExpiresAt != nil).
		Msg("content created")
}

// Get returns a live record. A record found past its expiry is deleted on the
// spot and reported as not found.
func (s *Content) Get(ctx context.Context, id string) (*domain.Content, error) {
	now := s.now()
	gen := s.generation()

	if c := s.lru.Get(ctx, id); c != nil {
		if c.Expired(now) {
			return nil, s.evict(ctx, id)
		}
		metrics.CacheHits.WithLabelValues("lru").Inc()
		metrics.ContentRetrieved.Inc()
		return c, nil
	}

	if s.rdb != nil {
		c, err := s.rdb.GetContent(ctx, id)
		if err != nil {
			util.Warn().Err(err).Str("id", id).Msg("redis lookup failed")
		} else if c != nil {
			if c.Expired(now) {
				return nil, s.evict(ctx, id)
			}
			metrics.CacheHits.WithLabelValues("redis").Inc()
			s.cacheMu.Lock()
			if s.gen == gen {
				s.lru.Set(ctx, c, s.ttlFor(c, now))
			}
			s.cacheMu.Unlock()
			metrics.ContentRetrieved.Inc()
			return c, nil
		}
	}

	metrics.CacheMisses.Inc()
	v, err, _ := s.group.Do(id, func() (any, error) {
		return s.store.Get(ctx, id)
	})
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrap(err, "get content")
	}
	shared := v.(*domain.Content)
	if shared.Expired(now) {
		return nil, s.evict(ctx, id)
	}
	c := *shared
	s.fill(ctx, &c, now, gen)
	metrics.ContentRetrieved.Inc()
	return &c, nil
}

// evict removes an expired record everywhere and always yields ErrNotFound
// unless the row itself could not be deleted.
func (s *Content) evict(ctx context.Context, id string) error {
	s.invalidate(ctx, id)
	if err := s.store.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "evict expired content")
	}
	metrics.ContentEvicted.Inc()
	util.Info().Str("id", id).Msg("expired content evicted on read")
	return domain.ErrNotFound
}

func (s *Content) generation() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.gen
}

func (s *Content) fill(ctx context.Context, c *domain.Content, now time.Time, gen uint64) {
	ttl := s.ttlFor(c, now)
	s.cacheMu.Lock()
	stale := s.gen != gen
	if !stale {
		s.lru.Set(ctx, c, ttl)
	}
	s.cacheMu.Unlock()
	if stale {
		return
	}
	if s.rdb != nil {
		if err := s.rdb.CacheContent(ctx, c, ttl); err != nil {
			util.Warn().Err(err).Str("id", c.ID).Msg("failed to cache in Redis")
			return
		}
		if s.generation() != gen {
			_ = s.rdb.Delete(ctx, c.ID)
		}
	}
}

// ttlFor never lets a cache entry outlive the record's own expiry.
func (s *Content) ttlFor(c *domain.Content, now time.Time) time.Duration {
	ttl := s.cacheTTL
	if c.ExpiresAt != nil {
		if left := c.ExpiresAt.Sub(now); left < ttl {
			ttl = left
		}
	}
	return ttl
}

// Delete removes id unconditionally. Deleting a missing ID succeeds.
func (s *Content) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete content")
	}
	s.invalidate(ctx, id)
	metrics.ContentDeleted.Inc()
	util.Info().Str("id", id).Msg("content deleted")
	return nil
}

func (s *Content) invalidateLocal(id string) {
	s.cacheMu.Lock()
	s.gen++
	s.lru.Delete(id)
	s.cacheMu.Unlock()
}

func (s *Content) invalidate(ctx context.Context, id string) {
	s.invalidateLocal(id)
	if s.rdb != nil {
		if err := s.rdb.Delete(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to delete from redis")
		}
	}
	if s.bus != nil {
		if err := s.bus.PublishInvalidation(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to publish cache invalidation")
		}
	}
}

// List returns live records, newest first. Expired rows are skipped but left
// in storage; only Get evicts.
func (s *Content) List(ctx context.Context) ([]*domain.Content, error) {
	now := s.now()
	rows, err := s.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list contents")
	}
	out := make([]*domain.Content, 0, len(rows))
	for _, c := range rows {
		if c.Expired(now) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Ping reports whether the backing store is reachable.
func (s *Content) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

package lim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sharebox/svc/db"
	"sharebox/svc/util"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	redisTimeout    = 100 * time.Millisecond
)

// Policy is a per-client allowance for one endpoint.
type Policy struct {
	RPM   int
	Burst int
}

func (p Policy) halved() Policy {
	p.RPM /= 2
	if p.RPM < 1 {
		p.RPM = 1
	}
	if p.Burst > p.RPM {
		p.Burst = p.RPM
	}
	return p
}

type Limiter struct {
	rdb               *db.Redis
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	policies          map[string]Policy
	fallback          Policy
	polMu             sync.RWMutex
	localLimiters     map[string]*limiterEntry
	mu                sync.Mutex
	quit              chan struct{}
	stopOnce          sync.Once
	evictionSem       chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	policy     Policy
	lastAccess time.Time
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a limiter whose endpoints default to fallback. rdb may be nil, in
// which case counting stays in process.
func New(fallback Policy, rdb *db.Redis, trustedProxies []string) (*Limiter, error) {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, fmt.Errorf("invalid CIDR in trusted proxies: %s: %w", proxy, err)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, fmt.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	if fallback.RPM <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", fallback.RPM)
	}
	if fallback.Burst <= 0 {
		fallback.Burst = fallback.RPM
	}
	l := &Limiter{
		rdb:            rdb,
		trustedProxies: trustedProxies,
		policies:       make(map[string]Policy),
		fallback:       fallback,
		localLimiters:  make(map[string]*limiterEntry),
		quit:           make(chan struct{}),
		evictionSem:    make(chan struct{}, 1),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l, nil
}

// SetPolicy overrides the allowance for endpoint.
func (l *Limiter) SetPolicy(endpoint string, p Policy) {
	if p.Burst <= 0 {
		p.Burst = p.RPM
	}
	l.polMu.Lock()
	l.policies[endpoint] = p
	l.polMu.Unlock()
}

func (l *Limiter) policy(endpoint string) Policy {
	l.polMu.RLock()
	p, ok := l.policies[endpoint]
	l.polMu.RUnlock()
	if !ok {
		p = l.fallback
	}
	if l.isAdaptiveMode() {
		p = p.halved()
	}
	return p
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictExpiredLimiters() {
	now := time.Now()
	toDelete := make([]string, 0, 100)
	l.mu.Lock()
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			toDelete = append(toDelete, key)
		}
	}
	for _, key := range toDelete {
		delete(l.localLimiters, key)
	}
	evicted := len(toDelete)
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(60*time.Second).Unix())
}

func (l *Limiter) isAdaptiveMode() bool {
	until := atomic.LoadInt64(&l.adaptiveModeUntil)
	return time.Now().Unix() < until
}

func (l *Limiter) RecordRequest() {
	l.detector.RecordRequest()
}

func (l *Limiter) RecordError() {
	l.detector.RecordError()
}

// CheckLimit counts one request from r's client against endpoint. Redis gives
// a fixed one-minute window shared by all replicas; without it, or when it
// fails, a local token bucket per client is used.
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	ip := GetRealIP(r, l.trustedProxies)
	p := l.policy(endpoint)
	now := time.Now()
	if l.rdb != nil {
		ctx, cancel := context.WithTimeout(r.Context(), redisTimeout)
		defer cancel()
		usage, err := l.rdb.RateLimit(ctx, endpoint+":"+ip, p.RPM, time.Minute)
		if err == nil {
			remaining := p.RPM - usage
			if remaining < 0 {
				remaining = 0
			}
			return &RateLimitResult{
				Allowed:   usage <= p.RPM,
				Limit:     p.RPM,
				Remaining: remaining,
				Reset:     now.Add(time.Minute),
			}
		}
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
	}
	return l.checkLocal(ip, endpoint, p)
}

func (l *Limiter) checkLocal(ip, endpoint string, p Policy) *RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	threshold := (maxLimiters * 9) / 10
	if len(l.localLimiters) >= threshold {
		toEvict := len(l.localLimiters) / 10
		if toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.asyncEvictOldest(toEvict)
				}()
			default:
			}
		}
	}
	key := ip + ":" + endpoint
	entry, exists := l.localLimiters[key]
	if !exists && len(l.localLimiters) >= maxLimiters {
		util.Warn().
			Int("limiters", len(l.localLimiters)).
			Str("ip", util.RedactIP(ip)).
			Msg("rate limiter at capacity, rejecting request")
		return &RateLimitResult{Allowed: false, Limit: p.RPM, Reset: time.Now().Add(time.Minute)}
	}
	if !exists || entry.policy != p {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(p.RPM)/60.0), p.Burst),
			policy:  p,
		}
		l.localLimiters[key] = entry
	}
	entry.lastAccess = time.Now()
	allowed := entry.limiter.Allow()
	remaining := int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   allowed,
		Limit:     p.RPM,
		Remaining: remaining,
		Reset:     time.Now().Add(time.Minute),
	}
}

func (l *Limiter) asyncEvictOldest(count int) {
	l.mu.Lock()
	if len(l.localLimiters) < (maxLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.localLimiters))
	for k, v := range l.localLimiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, exists := l.localLimiters[entries[i].key]; exists {
			delete(l.localLimiters, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}

// GetRealIP returns the client address, walking X-Forwarded-For from the right
// only while the hop is a trusted proxy.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	hops := strings.Split(xff, ",")
	parsed := 0
	for i := len(hops) - 1; i >= 0 && parsed < maxIPsToParse; i-- {
		ipStr := strings.TrimSpace(hops[i])
		if ipStr == "" {
			continue
		}
		parsed++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsed >= maxIPsToParse {
		util.Warn().Int("parsed", parsed).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsedIP != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}

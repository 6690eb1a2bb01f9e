package test

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sharebox/cfg"
	"sharebox/svc/api"
	"sharebox/svc/auth"
	"sharebox/svc/cache"
	"sharebox/svc/db"
	"sharebox/svc/lim"
	"sharebox/svc/svc"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
)

var (
	envLoadOnce sync.Once
	envLoadErr  error
)

func loadTestEnv() error {
	envLoadOnce.Do(func() {
		paths := []string{
			".env.test",
			"../.env.test",
		}
		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					envLoadErr = godotenv.Load(absPath)
					return
				}
			}
		}
	})
	return envLoadErr
}

func createTestConfig(t *testing.T) *cfg.Cfg {
	t.Helper()
	if err := loadTestEnv(); err != nil {
		t.Logf("load .env.test: %v", err)
	}
	c, err := cfg.Load()
	if err != nil {
		t.Fatalf("cfg.Load() error = %v", err)
	}
	c.Environment = "test"
	c.LogLevel = "error"
	c.DatabaseDriver = cfg.DriverSQLite
	c.RateLimit = cfg.RateLimitCfg{RPM: 100000, Burst: 10000, LoginPerMin: 100000}
	c.TrustedProxies = nil
	return c
}

func createTestDB(t *testing.T, c *cfg.Cfg) *db.SQLite {
	t.Helper()
	dsn := fmt.Sprintf("file:itmem%d?mode=memory&cache=shared", time.Now().UnixNano())
	queryTimeout := c.DBQueryTimeout
	if queryTimeout < 10*time.Second {
		queryTimeout = 10 * time.Second
	}
	// Shared-cache memory databases fail concurrent writers with SQLITE_LOCKED
	// instead of waiting, so writes are serialized through one connection.
	store, err := db.NewSQLiteWithConfig(dsn, 1, 1, queryTimeout)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestLRU(t *testing.T, size int) *cache.LRU {
	t.Helper()
	lru, err := cache.NewLRU(size)
	if err != nil {
		t.Fatal(err)
	}
	return lru
}

// createTestRedis returns nil when REDIS_URL is not set.
func createTestRedis(t *testing.T, c *cfg.Cfg) *db.Redis {
	t.Helper()
	if c.RedisURL == "" {
		return nil
	}
	rdb, err := db.NewRedis(c)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func createTestStore(t *testing.T) *cfg.Store {
	t.Helper()
	doc, err := cfg.DefaultDoc()
	if err != nil {
		t.Fatal(err)
	}
	return cfg.NewStaticStore(doc)
}

func createTestContent(t *testing.T, c *cfg.Cfg, rdb *db.Redis) (*svc.Content, *db.SQLite) {
	t.Helper()
	store := createTestDB(t, c)
	return svc.NewContent(store, createTestLRU(t, 1000), rdb, createTestStore(t), c.CacheTTL), store
}

type stack struct {
	url     string
	client  *http.Client
	content *svc.Content
	store   *db.SQLite
	conf    *cfg.Store
}

// startStack serves the full router over a real listener. The client keeps
// cookies and does not follow redirects.
func startStack(t *testing.T) *stack {
	t.Helper()
	c := createTestConfig(t)
	rdb := createTestRedis(t, c)
	store := createTestDB(t, c)
	conf := createTestStore(t)
	content := svc.NewContent(store, createTestLRU(t, 1000), rdb, conf, c.CacheTTL)
	var revoker auth.Revoker
	if rdb != nil {
		revoker = rdb
	}
	sessions := auth.NewSessions(conf, c.SessionTTL, revoker, false)
	l, err := lim.New(lim.Policy{RPM: c.RateLimit.RPM, Burst: c.RateLimit.Burst}, nil, c.TrustedProxies)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Stop)
	hs := httptest.NewServer(api.NewServer(c, conf, content, sessions, l, rdb))
	t.Cleanup(hs.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &stack{url: hs.URL, client: client, content: content, store: store, conf: conf}
}

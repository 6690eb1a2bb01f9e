package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sharebox/cfg"
	"sharebox/metrics"
	"sharebox/svc/api"
	"sharebox/svc/auth"
	"sharebox/svc/cache"
	"sharebox/svc/db"
	"sharebox/svc/lim"
	"sharebox/svc/svc"
	"sharebox/svc/util"
	"strings"
	"syscall"
	"time"
)

func main() {
	if err := cfg.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "-health":
			os.Exit(healthCheck())
		case "-hash-password":
			os.Exit(hashPassword(os.Args[2:]))
		}
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("environment", c.Environment).Msg("starting sharebox")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf, err := cfg.OpenStore(c.ConfigPath)
	if err != nil {
		util.Fatal().Err(err).Str("path", c.ConfigPath).Msg("failed to open config")
		os.Exit(1)
	}
	doc := conf.Current()
	if !auth.IsHashed(doc.Auth.Password) {
		util.Warn().Msg("auth.password is stored in plaintext; consider sharebox -hash-password")
	}
	conf.OnChange(func(d *cfg.Doc) {
		metrics.ConfigReloads.Inc()
		util.Info().Bool("debug", d.Server.Debug).Msg("config snapshot applied")
	})

	store, err := db.Open(c, doc)
	if err != nil {
		util.Fatal().Err(err).Str("driver", c.DatabaseDriver).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer store.Close()
	util.Info().Str("driver", c.DatabaseDriver).Msg("database initialized")

	if sqlite, ok := store.(*db.SQLite); ok {
		go sqlite.RunWALMaintenance(ctx)
		util.Info().Msg("WAL maintenance worker started")
	}

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c)
		if err != nil {
			if c.IsProduction() {
				util.Fatal().Err(err).Msg("redis configured but unreachable")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable, continuing with local caches")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	// Without Redis, deletes cannot reach other replicas' caches. Only the
	// single-process SQLite setup keeps a local cache then.
	var lruCache *cache.LRU
	if rdb != nil || c.DatabaseDriver != cfg.DriverPostgres {
		lruCache, err = cache.NewLRU(c.LRUCacheSize)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to create LRU cache")
			os.Exit(1)
		}
		util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")
	} else {
		util.Warn().Msg("postgres without redis, in-process cache disabled")
	}

	var revoker auth.Revoker
	if rdb != nil {
		revoker = rdb
	}
	sessions := auth.NewSessions(conf, c.SessionTTL, revoker, c.IsProduction())

	contentSvc := svc.NewContent(store, lruCache, rdb, conf, c.CacheTTL)
	if err := contentSvc.SubscribeInvalidations(ctx); err != nil {
		util.Fatal().Err(err).Msg("failed to subscribe to cache invalidations")
		os.Exit(1)
	}

	limiter, err := lim.New(lim.Policy{RPM: c.RateLimit.RPM, Burst: c.RateLimit.Burst}, rdb, c.TrustedProxies)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize rate limiter")
		os.Exit(1)
	}
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Int("login_per_min", c.RateLimit.LoginPerMin).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, conf, contentSvc, sessions, limiter, rdb)
	server.SetTimeouts(c.HTTPReadTimeout, c.HTTPWriteTimeout, c.HTTPIdleTimeout)

	if c.WatchConfig {
		go func() {
			if err := conf.Watch(ctx); err != nil {
				util.Error().Err(err).Msg("config watcher stopped")
			}
		}()
		util.Info().Str("path", conf.Path()).Msg("watching config for changes")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		if err != nil {
			util.Error().Err(err).Msg("server failed")
		}
	}
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	util.Info().Msg("shutdown complete")
}

func healthCheck() int {
	c, err := cfg.Load()
	if err != nil {
		return 1
	}
	conf, err := cfg.OpenStore(c.ConfigPath)
	if err != nil {
		return 1
	}
	store, err := db.Open(c, conf.Current())
	if err != nil {
		return 1
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return 1
	}
	return 0
}

// hashPassword prints an argon2id hash for auth.password. The password comes
// from the argument or, if absent, the first line of stdin.
func hashPassword(args []string) int {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(os.Stderr, "no password given")
			return 1
		}
		password = strings.TrimRight(line, "\r\n")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(hash)
	return 0
}

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/ChinmayGambhirrao/BoardHub-Backend/api"
	"github.com/ChinmayGambhirrao/BoardHub-Backend/domain"
	"github.com/ChinmayGambhirrao/BoardHub-Backend/notify"
	"github.com/ChinmayGambhirrao/BoardHub-Backend/realtime"
	"github.com/ChinmayGambhirrao/BoardHub-Backend/storage"
)

func main() {
	debug := false
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
		debug = true
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tables := storage.Tables{
		Boards:      os.Getenv("BOARDS_TABLE"),
		Lists:       os.Getenv("LISTS_TABLE"),
		Cards:       os.Getenv("CARDS_TABLE"),
		Memberships: os.Getenv("MEMBERSHIPS_TABLE"),
		Activity:    os.Getenv("ACTIVITY_TABLE"),
	}
	if connStr == "" || tables.Boards == "" || tables.Lists == "" || tables.Cards == "" ||
		tables.Memberships == "" || tables.Activity == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, tables)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(redisOptions(redisConn))

	lockTTL := envDuration("BOARD_LOCK_TTL", 15*time.Second)
	lockWait := envDuration("BOARD_LOCK_WAIT", 5*time.Second)
	locker := storage.NewBoardLocker(rc, lockTTL, lockWait)

	cacheTTL := envDuration("VIEW_CACHE_TTL", 30*time.Second)
	cache := storage.NewViewCache(rc, cacheTTL)

	deduper := api.NewRedisDeduper(rc, envDuration("DEDUPER_TTL", 24*time.Hour))

	logger := log.New()
	if debug {
		logger.SetLevel(log.DebugLevel)
	}

	hub := realtime.NewHub(logger)
	channel := os.Getenv("EVENTS_CHANNEL")
	if channel == "" {
		channel = "boardhub:events"
	}
	router := realtime.NewRouter(hub, rc, channel, logger)
	go router.Run(context.Background())

	var windows realtime.WindowStore
	if strings.ToLower(os.Getenv("RATE_LIMIT_STORE")) == "memory" {
		mem := realtime.NewMemoryWindows()
		mem.StartSweep(context.Background(), time.Minute, 2*time.Minute)
		windows = mem
	} else {
		windows = realtime.NewRedisWindows(rc)
	}
	limiter := realtime.NewLimiter(windows, rateLimits())

	var notifier domain.Notifier
	if queueName := os.Getenv("NOTIFY_QUEUE"); queueName != "" {
		sink, err := notify.NewQueueSink(connStr, queueName)
		if err != nil {
			log.Fatalf("notify queue: %v", err)
		}
		sender := notify.NewSender(sink, logger, notify.Config{})
		defer sender.Close()
		notifier = sender
	}

	svc := domain.NewService(store, locker, router, notifier, cache, logger, domain.ServiceConfig{
		DeleteMinTier: domain.ParseTier(os.Getenv("DELETE_MIN_TIER")),
	})
	session := realtime.NewSession(hub, router, limiter, svc, logger)

	auth := buildAuth()

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Connection-Id", "Idempotency-Key"},
	}))
	if debug {
		pprof.Register(e)
	}

	api.Register(e, svc, auth, deduper, logger)
	api.RegisterStream(e, session, auth, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

func buildAuth() *api.Auth {
	if os.Getenv("LOCAL_AUTH_MODE") != "" {
		return api.NewAuth(nil, os.Getenv("AUTH0_AUDIENCE"), os.Getenv("AUTH0_ISSUER"))
	}
	jwtAudience := os.Getenv("AUTH0_AUDIENCE")
	authDomain := os.Getenv("AUTH0_DOMAIN")
	if jwtAudience == "" || authDomain == "" {
		log.Fatal("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, jwtAudience, "https://"+authDomain+"/")
}

// redisOptions accepts either a redis:// URL or the comma separated
// host,key=value form Azure hands out.
func redisOptions(connStr string) *redis.Options {
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts
	}
	parts := strings.Split(connStr, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

// rateLimits returns the live-event limits, overridable via RATE_LIMITS,
// e.g. {"typing":{"max":30,"windowMs":10000}}.
func rateLimits() map[string]realtime.Limit {
	limits := realtime.DefaultLimits()
	raw := os.Getenv("RATE_LIMITS")
	if raw == "" {
		return limits
	}
	var overrides map[string]struct {
		Max      int   `json:"max"`
		WindowMs int64 `json:"windowMs"`
	}
	if err := sonic.Unmarshal([]byte(raw), &overrides); err != nil {
		log.Fatalf("invalid RATE_LIMITS: %v", err)
	}
	for kind, o := range overrides {
		if o.Max <= 0 || o.WindowMs <= 0 {
			log.Fatalf("invalid RATE_LIMITS entry for %s", kind)
		}
		limits[kind] = realtime.Limit{Max: o.Max, Window: time.Duration(o.WindowMs) * time.Millisecond}
	}
	return limits
}

func envDuration(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %q", name, raw)
	}
	return d
}

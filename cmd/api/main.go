package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/authz"
	"authgrid.org/internal/gateway"
	"authgrid.org/internal/httpapi"
	"authgrid.org/internal/obs"
	"authgrid.org/internal/store/pg"
	redisstore "authgrid.org/internal/store/redis"
	"authgrid.org/internal/token"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("AUTHGRID_COMMIT"))

	codec, err := token.NewCodec(
		[]byte(os.Getenv("AUTHGRID_ACCESS_SECRET")),
		[]byte(os.Getenv("AUTHGRID_REFRESH_SECRET")),
	)
	if err != nil {
		log.Fatalf("token secrets: %v", err)
	}

	// Revocation and family state: Redis when configured, in-process
	// otherwise (single-node development only).
	var (
		revocations token.RevocationStore
		families    token.FamilyTracker
		pingRedis   func(ctx context.Context) error
	)
	if addr := os.Getenv("AUTHGRID_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("AUTHGRID_REDIS_PASSWORD"),
		})
		store, err := redisstore.New(client)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		revocations, families = store, store
		pingRedis = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	} else {
		log.Print("AUTHGRID_REDIS_ADDR not set, using in-memory token state")
		mem := token.NewMemoryStore(0)
		defer mem.Close()
		revocations, families = mem, mem
	}

	cfg := token.Config{
		AccessTTL:  envDuration("AUTHGRID_ACCESS_TTL"),
		RefreshTTL: envDuration("AUTHGRID_REFRESH_TTL"),
	}
	tokens, err := token.NewService(codec, revocations, families, cfg)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	defer tokens.Close()

	// Persistence: Postgres when configured, in-memory otherwise.
	var (
		users    auth.UserStore
		roleDefs []authz.RoleDef
		grants   authz.GrantStore
		admin    httpapi.GrantAdmin
		probe    httpapi.ReadyProbe
		pgStore  *pg.Store
	)
	if dsn := os.Getenv("AUTHGRID_PG_DSN"); dsn != "" {
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		roleDefs, err = pgStore.LoadRoles(ctx)
		cancel()
		if err != nil {
			log.Fatalf("load roles: %v", err)
		}
		if len(roleDefs) == 0 {
			roleDefs = authz.DefaultRoles()
		}
		users = pgStore
		grants = pgStore
		admin = pgStore
		probe.DB = pgStore.DB()
	} else {
		log.Print("AUTHGRID_PG_DSN not set, using in-memory stores")
		users = auth.NewMemoryUserStore()
		roleDefs = authz.DefaultRoles()
		grants = authz.NewMemoryGrantStore()
	}
	probe.PingRedis = pingRedis

	engine, err := authz.NewEngine(roleDefs,
		authz.WithGrantStore(grants),
		authz.WithAudit(true),
	)
	if err != nil {
		log.Fatalf("permission engine: %v", err)
	}

	gw, err := gateway.New(users, tokens, engine)
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	api := httpapi.New(gw, admin, probe, version)

	addr := os.Getenv("AUTHGRID_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authgrid-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

func envDuration(key string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return d
}

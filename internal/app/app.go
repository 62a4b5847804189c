package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/abuseguard/internal/audit"
	"github.com/router-for-me/abuseguard/internal/ban"
	"github.com/router-for-me/abuseguard/internal/config"
	"github.com/router-for-me/abuseguard/internal/db"
	"github.com/router-for-me/abuseguard/internal/escalation"
	"github.com/router-for-me/abuseguard/internal/gate"
	internalhttp "github.com/router-for-me/abuseguard/internal/http/api/admin"
	"github.com/router-for-me/abuseguard/internal/identity"
	"github.com/router-for-me/abuseguard/internal/logging"
	"github.com/router-for-me/abuseguard/internal/metrics"
	"github.com/router-for-me/abuseguard/internal/ratelimit"
	internalsettings "github.com/router-for-me/abuseguard/internal/settings"
	"github.com/router-for-me/abuseguard/internal/storage"
	"github.com/router-for-me/abuseguard/internal/tasks"
	"github.com/router-for-me/abuseguard/internal/whitelist"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ConfigExists reports whether a config file is present at configPath.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// Migrate opens the audit database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	loaded, errLoad := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if errLoad != nil {
		return errLoad
	}
	if loaded.DatabaseDSN == "" {
		return errors.New("migrate: database-dsn is not configured")
	}
	conn, errOpen := db.Open(loaded.DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn.WithContext(ctx))
}

// Options overrides construction defaults, mainly for tests.
type Options struct {
	RedisFactory storage.RedisClientFactory
	Now          func() time.Time
}

// Components are the wired engine parts shared by the router and the shutdown sequence.
type Components struct {
	Config   config.Config
	Health   *storage.Health
	Counters *ratelimit.FailoverStore
	Local    *ratelimit.LocalCounterStore
	Bans     *ban.FailoverRegistry
	Engine   *escalation.Engine
	Queue    *tasks.Queue
	Gate     *gate.Gate
	Resolver *identity.JWTResolver
	Metrics  *metrics.Metrics
	Sink     audit.Sink
	DB       *gorm.DB
	Redis    *redis.Client
	nowFn    func() time.Time
}

// Build wires every component from cfg. The shared store is optional; without it
// the engine runs on the in-process stores and reports itself degraded.
func Build(ctx context.Context, cfg config.Config, opts Options) (*Components, error) {
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	if errAdmin := internalhttp.ValidateConfig(cfg.Admin); errAdmin != nil {
		return nil, errAdmin
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	c := &Components{Config: cfg, Metrics: metrics.New(), nowFn: nowFn}
	c.Health = storage.NewHealth("redis", internalsettings.DefaultBreakerDuration, nowFn)
	c.Health.OnChange(c.Metrics.SetDegraded)

	sinks := audit.Multi{audit.LogSink{}}
	if cfg.DatabaseDSN != "" {
		conn, errOpen := db.Open(cfg.DatabaseDSN)
		if errOpen != nil {
			return nil, errOpen
		}
		if errMigrate := db.Migrate(conn); errMigrate != nil {
			return nil, errMigrate
		}
		c.DB = conn
		sinks = append(sinks, audit.NewGormSink(conn))
	}
	c.Sink = sinks

	c.Local = ratelimit.NewLocalCounterStore()
	localBans := ban.NewMemoryRegistry(nowFn)
	var sharedCounters ratelimit.CounterStore
	var sharedBans ban.Registry
	if client := storage.NewRedisClient(cfg.Redis, opts.RedisFactory); client != nil {
		c.Redis = client
		sharedCounters = ratelimit.NewRedisCounterStore(client, cfg.Redis.Prefix)
		sharedBans = ban.NewRedisRegistry(client, cfg.Redis.Prefix, nowFn)
		if errPing := storage.Ping(ctx, client, c.Health, 2*time.Second); errPing != nil {
			log.WithError(errPing).Info("abuse store: starting on the local fallback")
		}
	} else {
		log.Warn("abuse store: redis disabled, counters and bans are local to this instance")
		c.Metrics.SetDegraded(true)
	}
	c.Counters = ratelimit.NewFailoverStore(sharedCounters, c.Local, c.Health, cfg.StoreTimeout)
	c.Bans = ban.NewFailoverRegistry(sharedBans, localBans, c.Health, cfg.StoreTimeout)

	engine, errEngine := escalation.NewEngine(escalation.Options{
		Counters:   c.Counters,
		Bans:       c.Bans,
		Sink:       c.Sink,
		Metrics:    c.Metrics,
		Thresholds: escalation.ThresholdsFromConfig(cfg.Abuse),
		Filter:     escalation.NewFilter(escalation.DefaultStatuses, cfg.Abuse.SensitivePathPrefixes),
		Now:        nowFn,
	})
	if errEngine != nil {
		return nil, errEngine
	}
	c.Engine = engine

	c.Queue = tasks.NewQueue(cfg.QueueSize, cfg.QueueWorkers)
	c.Queue.OnDrop(c.Metrics.TaskDropped)

	allowed, errWhitelist := whitelist.Parse(cfg.Abuse.WhitelistIPs)
	if errWhitelist != nil {
		return nil, &config.ConfigurationError{Field: "abuse.whitelist-ips", Reason: errWhitelist.Error()}
	}
	c.Resolver = identity.NewJWTResolver(cfg.JWT.Secret)
	g, errGate := gate.New(gate.Options{
		Resolver:  c.Resolver,
		Bans:      c.Bans,
		Engine:    c.Engine,
		Limiter:   ratelimit.NewLimiter(c.Counters, nowFn),
		Queue:     c.Queue,
		Sink:      c.Sink,
		Metrics:   c.Metrics,
		Whitelist: allowed,
		Now:       nowFn,
	})
	if errGate != nil {
		return nil, errGate
	}
	c.Gate = g
	return c, nil
}

// StartJanitors prunes the in-process stores until ctx is done.
func (c *Components) StartJanitors(ctx context.Context) {
	c.Local.StartJanitor(ctx, internalsettings.DefaultJanitorInterval, c.localRetention(), c.nowFn)
	c.Bans.Local().StartJanitor(ctx, internalsettings.DefaultJanitorInterval)
}

// localRetention covers the longest window any counter uses.
func (c *Components) localRetention() time.Duration {
	retention := internalsettings.DefaultLocalRetention
	if window := time.Duration(c.Config.Abuse.SlidingWindowSeconds) * time.Second; window > retention {
		retention = window
	}
	for _, policy := range c.Config.RateLimits {
		if window := time.Duration(policy.WindowSeconds) * time.Second; window > retention {
			retention = window
		}
	}
	return retention
}

// Router builds the gateway: operator routes first, then the gate and limiter in front of upstream.
func (c *Components) Router(upstream http.Handler) (*gin.Engine, error) {
	engine := gin.New()
	engine.Use(gin.Recovery())
	if errProxies := engine.SetTrustedProxies(c.Config.TrustedProxies); errProxies != nil {
		return nil, &config.ConfigurationError{Field: "trusted-proxies", Reason: errProxies.Error()}
	}

	internalhttp.RegisterAdminRoutes(engine, internalhttp.Deps{
		DB:       c.DB,
		Bans:     c.Bans,
		Health:   c.Health,
		Resolver: c.Resolver,
		Admin:    c.Config.Admin,
		Metrics:  c.Metrics,
		Now:      c.nowFn,
		Degraded: c.Counters.Degraded,
		Guard:    c.Gate.Middleware(),
	})

	routes := make([]gate.RoutePolicy, 0, len(c.Config.RateLimits))
	for _, policy := range c.Config.RateLimits {
		routes = append(routes, gate.RoutePolicy{
			PathPrefix: policy.PathPrefix,
			Policy:     ratelimit.Policy{Name: policy.Name, Limit: policy.Limit, WindowSeconds: policy.WindowSeconds},
		})
	}

	proxied := []gin.HandlerFunc{c.Gate.Middleware(), c.Gate.RateLimitRoutes(routes)}
	if upstream == nil {
		proxied = append(proxied, func(ctx *gin.Context) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		})
	} else {
		proxied = append(proxied, gin.WrapH(upstream))
	}
	engine.NoRoute(proxied...)
	return engine, nil
}

// Close drains queued escalation work within ctx and releases store connections.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	if c.Queue != nil {
		if errDrain := c.Queue.Drain(ctx); errDrain != nil {
			errs = append(errs, errDrain)
		}
	}
	if c.Redis != nil {
		if errClose := c.Redis.Close(); errClose != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", errClose))
		}
	}
	if c.DB != nil {
		if sqlDB, errDB := c.DB.DB(); errDB == nil {
			if errClose := sqlDB.Close(); errClose != nil {
				errs = append(errs, fmt.Errorf("close db: %w", errClose))
			}
		}
	}
	return errors.Join(errs...)
}

// NewUpstreamProxy builds the reverse proxy to the protected backend. An empty URL returns nil.
func NewUpstreamProxy(rawURL string) (http.Handler, error) {
	if rawURL == "" {
		return nil, nil
	}
	target, errParse := url.Parse(rawURL)
	if errParse != nil {
		return nil, fmt.Errorf("upstream url: %w", errParse)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.WithError(err).WithField("path", r.URL.Path).Error("gateway: upstream request failed")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"bad gateway"}`))
	}
	return proxy, nil
}

// RunServer loads the config, serves the gateway until ctx ends, then drains queued escalations.
// A positive portOverride replaces the configured port.
func RunServer(ctx context.Context, cfg config.AppConfig, portOverride int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	if !ConfigExists(configPath) {
		log.Infof("config file not found at %s, using defaults and environment", configPath)
	}
	loaded, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logCloser, errLog := logging.Setup(loaded.Log)
	if errLog != nil {
		return errLog
	}
	defer func() { _ = logCloser.Close() }()

	if portOverride > 0 {
		loaded.Port = portOverride
	}

	components, errBuild := Build(ctx, loaded, Options{})
	if errBuild != nil {
		return errBuild
	}
	janitorCtx, stopJanitors := context.WithCancel(context.Background())
	defer stopJanitors()
	components.StartJanitors(janitorCtx)

	upstream, errUpstream := NewUpstreamProxy(loaded.UpstreamURL)
	if errUpstream != nil {
		return errUpstream
	}
	gin.SetMode(gin.ReleaseMode)
	router, errRouter := components.Router(upstream)
	if errRouter != nil {
		return errRouter
	}

	addr := fmt.Sprintf(":%d", loaded.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("abuse gateway listening on %s", addr)
		if errListen := srv.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
			serveErr <- errListen
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case errListen := <-serveErr:
		if errListen != nil {
			_ = components.Close(context.Background())
			return errListen
		}
	}

	log.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), loaded.DrainTimeout)
	defer cancel()
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		log.Errorf("gateway shutdown error: %v", errShutdown)
	}
	if errClose := components.Close(shutdownCtx); errClose != nil {
		log.WithError(errClose).Warn("gateway: shutdown incomplete")
	}
	return nil
}

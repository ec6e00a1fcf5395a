// HeroMessaging Agent
//
// Standalone host for the durable messaging infrastructure: runs the outbox
// relay, inbox cleanup, scheduler, and saga engine against a shared store,
// and exposes a diagnostics HTTP surface for operators.
//
//	@title			HeroMessaging Agent API
//	@version		1.0
//	@description	Diagnostics and inspection surface for the HeroMessaging runtime: outbox, dead letters, sagas, and scheduled messages.
//
//	@host		localhost:8080
//	@BasePath	/debug

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"go.heromessaging.dev/heromessaging/internal/common/health"
	commonleader "go.heromessaging.dev/heromessaging/internal/common/leader"
	"go.heromessaging.dev/heromessaging/internal/common/lifecycle"
	"go.heromessaging.dev/heromessaging/internal/common/metrics"
	commonmongo "go.heromessaging.dev/heromessaging/internal/common/mongo"
	"go.heromessaging.dev/heromessaging/internal/config"
	"go.heromessaging.dev/heromessaging/internal/inbox"
	"go.heromessaging.dev/heromessaging/internal/leader"
	"go.heromessaging.dev/heromessaging/internal/messagestore"
	"go.heromessaging.dev/heromessaging/internal/messaging/policy"
	"go.heromessaging.dev/heromessaging/internal/observability"
	"go.heromessaging.dev/heromessaging/internal/outbox"
	"go.heromessaging.dev/heromessaging/internal/queuestore"
	"go.heromessaging.dev/heromessaging/internal/registry"
	"go.heromessaging.dev/heromessaging/internal/saga"
	"go.heromessaging.dev/heromessaging/internal/scheduler"
	"go.heromessaging.dev/heromessaging/internal/serialization"
	"go.heromessaging.dev/heromessaging/internal/storage/mongostore"
	"go.heromessaging.dev/heromessaging/internal/transport"
	"go.heromessaging.dev/heromessaging/internal/transport/inmemory"
	"go.heromessaging.dev/heromessaging/internal/transport/natstransport"
	"go.heromessaging.dev/heromessaging/internal/transport/sqstransport"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// runtime holds the wired components the diagnostics endpoints read from.
type runtime struct {
	outboxStore outbox.Store
	sagaRepo    saga.Repository
	schedStore  scheduler.Store
	relay       *outbox.Relay
	sched       scheduler.Scheduler
}

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("HEROMESSAGING_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting HeroMessaging Agent",
		"version", version,
		"build_time", buildTime)

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewChecker()
	obs := observability.NewPrometheus("heromessaging")
	serializer := serialization.NewJSON()

	reg := registry.New()

	// Storage: in-memory reference stores by default, MongoDB when a
	// database is configured and STORAGE_TYPE=mongo.
	rt := &runtime{}
	var inboxStore inbox.Store
	var app *lifecycle.App
	if os.Getenv("STORAGE_TYPE") == "mongo" {
		var cleanup func()
		app, cleanup, err = lifecycle.Initialize(ctx, cfg, lifecycle.AppOptions{NeedsMongoDB: true})
		if err != nil {
			slog.Error("Failed to initialize infrastructure", "error", err)
			os.Exit(1)
		}
		defer cleanup()
		db := app.DB

		if err := commonmongo.NewIndexInitializer(commonmongo.Wrap(app.MongoClient, db)).Initialize(ctx); err != nil {
			slog.Warn("Index initialization failed", "error", err)
		}

		rt.outboxStore = mongostore.NewOutboxStore(db)
		rt.sagaRepo = mongostore.NewSagaRepository(db)
		rt.schedStore = mongostore.NewScheduledMessageStore(db)
		inboxStore = mongostore.NewInboxStore(db)
		reg.Register(registry.Capability("idempotency-store"), mongostore.NewIdempotencyStore(db))
		reg.Register(registry.CapabilityMessageStore, mongostore.NewMessageStore(db))

		healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
			return app.MongoClient.Ping(ctx, nil)
		}))
	} else {
		rt.outboxStore = outbox.NewMemStore()
		rt.sagaRepo = saga.NewMemRepository()
		rt.schedStore = scheduler.NewMemStore()
		inboxStore = inbox.NewMemStore()
		reg.Register(registry.Capability("idempotency-store"), policy.NewMemIdempotencyStore())
		reg.Register(registry.CapabilityMessageStore, messagestore.NewMemStore())
	}

	// Inbox filter with periodic retention cleanup
	inboxCfg := inbox.DefaultConfig()
	inboxCfg.DeduplicationWindow = cfg.Inbox.DeduplicationWindow
	inboxCfg.RetentionProcessed = cfg.Inbox.RetentionProcessed
	inboxCfg.RetentionFailed = cfg.Inbox.RetentionFailed
	inboxFilter := inbox.NewFilter(inboxStore, inboxCfg)
	inboxFilter.StartCleanup()
	defer inboxFilter.StopCleanup()
	reg.Register(registry.CapabilityInboxFilter, inboxFilter)

	reg.Register(registry.CapabilityQueueStore, queuestore.NewMemStore())

	// Transport
	var tr transport.Transport
	switch cfg.Transport.Type {
	case "nats":
		if cfg.Transport.NATS.Embedded {
			srv, err := natstransport.StartEmbeddedServer(&natstransport.EmbeddedConfig{
				DataDir: cfg.Transport.NATS.DataDir,
				Host:    "127.0.0.1",
				Port:    4222,
			})
			if err != nil {
				slog.Error("Failed to start embedded NATS", "error", err)
				os.Exit(1)
			}
			defer srv.Shutdown()
			cfg.Transport.NATS.URL = srv.URL()
		}
		tr, err = natstransport.NewClient(ctx, &cfg.Transport.NATS, serializer)
		if err != nil {
			slog.Error("Failed to create NATS transport", "error", err)
			os.Exit(1)
		}
	case "sqs":
		tr, err = sqstransport.NewClient(ctx, &cfg.Transport.SQS, serializer)
		if err != nil {
			slog.Error("Failed to create SQS transport", "error", err)
			os.Exit(1)
		}
	default:
		tr = inmemory.New(nil)
	}
	defer tr.Close()
	reg.Register(registry.CapabilityTransport, tr)

	// Leader election: one elector per coordinated role, so the relay and
	// scheduler contend for distinct locks.
	newElector := func(role string) leader.Elector {
		if !cfg.Leader.Enabled {
			return leader.AlwaysLeader{}
		}
		electorCfg := commonleader.DefaultElectorConfig("heromessaging:" + role)
		if cfg.Leader.InstanceID != "" {
			electorCfg.InstanceID = cfg.Leader.InstanceID
		}
		electorCfg.TTL = cfg.Leader.TTL
		electorCfg.RefreshInterval = cfg.Leader.RefreshInterval

		if cfg.Leader.Backend == "redis" {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			return commonleader.NewRedisElector(client, electorCfg)
		}
		if app == nil {
			slog.Warn("Leader election requires STORAGE_TYPE=mongo for the mongo backend; running as always-leader", "role", role)
			return leader.AlwaysLeader{}
		}
		return commonleader.NewMongoElector(app.DB, electorCfg)
	}

	// Outbox relay
	relayCfg := outbox.DefaultRelayConfig()
	relayCfg.PollInterval = cfg.Outbox.PollInterval
	relayCfg.BatchSize = cfg.Outbox.BatchSize
	relayCfg.MaxRetries = cfg.Outbox.MaxRetries
	relayCfg.RecoveryInterval = cfg.Outbox.RecoveryInterval
	relayCfg.StuckAfter = cfg.Outbox.StuckAfter
	relayCfg.Elector = newElector("outbox-relay")

	rt.relay = outbox.NewRelay(rt.outboxStore, &transport.OutboxPublisher{Transport: tr}, relayCfg, obs)
	destinations := staticDestinations(strings.Split(os.Getenv("OUTBOX_DESTINATIONS"), ","))
	rt.relay.Start(destinations)
	defer rt.relay.Stop()

	// Saga engine
	sagaCfg := saga.DefaultConfig()
	sagaCfg.ConcurrencyRetries = cfg.Saga.ConcurrencyRetries
	sagaCfg.CompensationTimeout = cfg.Saga.CompensationTimeout
	engine := saga.NewEngine(rt.sagaRepo, sagaCfg, obs)
	reg.Register(registry.CapabilitySagaEngine, engine)

	// Scheduler: saga timeouts route back into the engine, everything else
	// goes out through the transport
	dispatcher := scheduler.NewRoutingDispatcher(
		func(ctx context.Context, sagaType, _, eventType string, payload any) error {
			return engine.HandleEvent(ctx, sagaType, eventType, payload)
		},
		scheduler.NewTransportDispatcher(registry.MustResolve[transport.Transport](reg, registry.CapabilityTransport)),
	)
	if cfg.Scheduler.Strategy == "storage" {
		schedCfg := scheduler.DefaultConfig()
		schedCfg.PollInterval = cfg.Scheduler.PollInterval
		schedCfg.BatchSize = cfg.Scheduler.BatchSize
		schedCfg.Elector = newElector("scheduler")
		rt.sched = scheduler.NewPollingScheduler(rt.schedStore, dispatcher, schedCfg, obs)
	} else {
		rt.sched = scheduler.NewTimerScheduler(dispatcher)
	}
	rt.sched.Start()
	defer rt.sched.Stop()
	reg.Register(registry.CapabilityScheduler, rt.sched)

	engine.WithScheduler(scheduler.NewSagaTimeoutAdapter(rt.sched))

	healthChecker.AddReadinessCheck(health.RelayCheck(rt.relay.Running, nil))
	if ps, ok := rt.sched.(*scheduler.PollingScheduler); ok {
		healthChecker.AddReadinessCheck(health.SchedulerCheck(ps.Running, func() (int, error) {
			return rt.schedStore.GetPendingCount(context.Background())
		}))
	} else if ts, ok := rt.sched.(*scheduler.TimerScheduler); ok {
		healthChecker.AddReadinessCheck(health.SchedulerCheck(ts.Running, nil))
	}

	slog.Info("HeroMessaging runtime started",
		"transport", cfg.Transport.Type,
		"scheduler", cfg.Scheduler.Strategy,
		"pollInterval", cfg.Outbox.PollInterval,
		"batchSize", cfg.Outbox.BatchSize)

	// HTTP diagnostics surface
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(httpMetrics)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Route("/debug", func(r chi.Router) {
		r.Get("/outbox/{destination}/pending", rt.handleOutboxPending)
		r.Get("/outbox/{destination}/dead-letters", rt.handleDeadLetters)
		r.Get("/sagas/{id}", rt.handleSagaByID)
		r.Get("/schedules", rt.handleSchedulesPending)
		r.Get("/schedules/{id}", rt.handleScheduleByID)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := lifecycle.Run(ctx, lifecycle.NewHTTPService("diagnostics", server)); err != nil {
		slog.Error("Runtime error", "error", err)
	}

	slog.Info("HeroMessaging Agent stopped")
}

// httpMetrics records request counts and latency for the diagnostics
// surface.
func httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// staticDestinations is the fixed destination set the relay polls,
// supplied at startup.
type staticDestinations []string

func (d staticDestinations) Destinations() []string {
	var out []string
	for _, dest := range d {
		if trimmed := strings.TrimSpace(dest); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleOutboxPending godoc
//
//	@Summary	Pending outbox entries for a destination
//	@Produce	json
//	@Param		destination	path	string	true	"Destination name"
//	@Success	200
//	@Router		/outbox/{destination}/pending [get]
func (rt *runtime) handleOutboxPending(w http.ResponseWriter, req *http.Request) {
	destination := chi.URLParam(req, "destination")
	entries, err := rt.outboxStore.GetPending(req.Context(), outbox.PendingQuery{
		Destination: destination,
		AsOf:        time.Now(),
		Limit:       100,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	count, _ := rt.outboxStore.GetPendingCount(req.Context(), destination)
	writeJSON(w, http.StatusOK, map[string]any{"pendingCount": count, "entries": entries})
}

// handleDeadLetters godoc
//
//	@Summary	Dead-lettered entries for an origin destination
//	@Produce	json
//	@Param		destination	path	string	true	"Origin destination name"
//	@Success	200
//	@Router		/outbox/{destination}/dead-letters [get]
func (rt *runtime) handleDeadLetters(w http.ResponseWriter, req *http.Request) {
	destination := chi.URLParam(req, "destination")
	dls, err := rt.outboxStore.GetDeadLetters(req.Context(), destination, 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": dls})
}

// handleSagaByID godoc
//
//	@Summary	Saga instance by id
//	@Produce	json
//	@Param		id	path	string	true	"Saga instance id"
//	@Success	200
//	@Failure	404
//	@Router		/sagas/{id} [get]
func (rt *runtime) handleSagaByID(w http.ResponseWriter, req *http.Request) {
	instance, err := rt.sagaRepo.FindByID(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

// handleSchedulesPending godoc
//
//	@Summary	Pending scheduled messages
//	@Produce	json
//	@Success	200
//	@Router		/schedules [get]
func (rt *runtime) handleSchedulesPending(w http.ResponseWriter, req *http.Request) {
	pending, err := rt.sched.ListPending(req.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

// handleScheduleByID godoc
//
//	@Summary	Scheduled message by id
//	@Produce	json
//	@Param		id	path	string	true	"Schedule id"
//	@Success	200
//	@Failure	404
//	@Router		/schedules/{id} [get]
func (rt *runtime) handleScheduleByID(w http.ResponseWriter, req *http.Request) {
	msg, err := rt.sched.Get(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

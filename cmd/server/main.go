package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"notifyhub/internal/authn"
	"notifyhub/internal/broker"
	"notifyhub/internal/channel"
	"notifyhub/internal/config"
	"notifyhub/internal/ingress"
	"notifyhub/internal/logger"
	"notifyhub/internal/notification"
	"notifyhub/internal/observability"
	"notifyhub/internal/policy"
	"notifyhub/internal/ratelimit"
	"notifyhub/internal/render"
	"notifyhub/internal/scheduler"
	"notifyhub/internal/store"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New()
	log.Info("starting %s %s (build %s, commit %s)", cfg.AppName, Version, BuildTime, GitCommit)

	// C1: persistence
	st, err := store.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Error("open store: %v", err)
		os.Exit(2)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		log.Error("migrate store: %v", err)
		os.Exit(2)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// C10: observability surface, constructed early so every other
	// component can be handed the same registry to record into.
	metrics := observability.NewRegistry()
	defer metrics.Close()

	// C2: template cache and renderer
	renderer := render.New(st, cfg.Cache.CompiledTemplateTTL, cfg.Cache.RenderedOutputTTL, redisClient, metrics)

	// C11: revocation store, consumed by both the auth middleware and C3's gate
	blacklist := authn.NewBlacklist(redisClient)

	// C3: preference and policy gate
	gate := policy.New(st, blacklist, st, policy.QuietHoursDefer)

	// C4: rate limiter
	limiter := ratelimit.New(redisClient, map[ratelimit.Class]ratelimit.Rule{
		ratelimit.ClassRead:   {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute["READ"], BurstSize: cfg.RateLimit.BurstSize, Enabled: true},
		ratelimit.ClassWrite:  {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute["WRITE"], BurstSize: cfg.RateLimit.BurstSize, Enabled: true},
		ratelimit.ClassAdmin:  {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute["ADMIN"], BurstSize: cfg.RateLimit.BurstSize, Enabled: true},
		ratelimit.ClassPublic: {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute["PUBLIC"], BurstSize: cfg.RateLimit.BurstSize, Enabled: true},
	}, metrics)

	// C6: broker topology and dispatcher
	topology := broker.NewTopology(broker.QueueConfig{
		TTL:         cfg.Queue.MessageTTL,
		MaxPriority: uint8(cfg.Queue.MaxPriority),
	})
	dispatcher := broker.NewDispatcher(topology, st, gate, log, metrics)
	dlqController := broker.NewDLQController(st, topology)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(rootCtx)

	// C7: channel workers, one per delivery medium. EMAIL gets the real SMTP
	// transport; the rest use the logging transport since no push/SMS
	// gateway SDK exists anywhere in this module's dependency pack.
	transports := map[notification.Channel]channel.Transport{
		notification.ChannelEmail: channel.NewSMTPTransport(cfg.SMTP),
		notification.ChannelInApp: channel.NewLoggingTransport("in_app", log),
		notification.ChannelPush:  channel.NewLoggingTransport("push", log),
		notification.ChannelSMS:   channel.NewLoggingTransport("sms", log),
	}
	for ch, transport := range transports {
		w := channel.NewWorker(ch, topology, renderer, transport, st, cfg.Queue.MaxRetries, log, metrics)
		go w.Run(rootCtx)
	}

	// C9: scheduler (archive sweep, cache-stats log)
	sched := scheduler.New(st, renderer, scheduler.Config{}, log)
	go sched.Run(rootCtx)

	health := observability.NewHealthService()
	health.Register(&observability.DatabaseCheck{DB: st.DB})
	health.Register(&observability.RedisCheck{Client: redisClient})

	// C5: ingress API
	verifier := authn.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	apiKeys := authn.NewAPIKeys(cfg.Auth.APIKeys)
	handlers := ingress.NewHandlers(st, topologyPublisher{topology}, dlqController, metrics).WithCleanup(sched, storeArchiveExporter{st})

	router := ingress.NewRouter(ingress.Config{
		Handlers:  handlers,
		Verifier:  verifier,
		APIKeys:   apiKeys,
		Blacklist: blacklist,
		Limiter:   limiter,
		Log:       log,
		Health:    health,
		Metrics:   metrics,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed: %v", err)
	}
}

// topologyPublisher narrows *broker.Topology to the single method
// ingress.Publisher needs.
type topologyPublisher struct {
	topology *broker.Topology
}

func (p topologyPublisher) PublishMain(msg broker.Message) {
	p.topology.PublishMain(msg)
}

// storeArchiveExporter adapts *store.Store's concrete *ArchiveCursor return
// to the ingress.ArchiveCursor interface the export handler depends on.
type storeArchiveExporter struct {
	store *store.Store
}

func (e storeArchiveExporter) ExportArchived(afterID string, pageSize int) ingress.ArchiveCursor {
	return e.store.ExportArchived(afterID, pageSize)
}

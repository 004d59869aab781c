package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/casafind/marketplace/internal/docstore"
	"github.com/casafind/marketplace/internal/listing"
	"github.com/casafind/marketplace/internal/notification"
	"github.com/casafind/marketplace/internal/platform/aws"
	"github.com/casafind/marketplace/internal/platform/cache"
	"github.com/casafind/marketplace/internal/platform/config"
	"github.com/casafind/marketplace/internal/platform/observability"
	"github.com/casafind/marketplace/internal/platform/worker"
	"github.com/casafind/marketplace/internal/realtime"
	"github.com/redis/go-redis/v9"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	log.Println("Loading configuration...")
	cfg := config.MustLoad(os.Getenv("MARKETPLACE_CONFIG"))

	// Setup observability first
	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	metrics, err := observability.NewMetrics("marketplace", cfg.Observability.Metrics.Enabled)
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}

	tracer, err := observability.NewTracerProvider(ctx, "marketplace", cfg.Observability.Tracing.Endpoint, cfg.Observability.Tracing.Enabled)
	if err != nil {
		log.Fatalf("Failed to create tracer: %v", err)
	}
	defer tracer.Shutdown(ctx)

	logger.Info("observability setup complete")

	// Cache backend: layered over Redis when available, memory-only
	// otherwise. Losing Redis degrades cross-instance sharing, not
	// correctness.
	memCache := cache.NewMemoryCache(cfg.Cache.L1MaxSize)
	defer memCache.Close()

	var backend cache.Cache = memCache
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix)
		if err != nil {
			logger.LogWarn(ctx, "redis unavailable, running with in-memory cache only", "error", err)
		} else {
			defer redisCache.Close()
			backend = cache.NewLayeredCacheWithConfig(cache.LayeredCacheConfig{
				L1:       memCache,
				L2:       redisCache,
				L1MaxTTL: cfg.Cache.L1MaxTTL,
			})
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer redisClient.Close()
		}
	}

	store := cache.NewStore(cache.StoreConfig{
		Backend: backend,
		Logger:  logger,
		Metrics: metrics,
	})

	// Refresh signal plumbing
	bus := realtime.NewBus()
	coordinator := realtime.NewCoordinator(store, bus, logger, metrics)

	var broadcaster listing.Broadcaster
	if redisClient != nil {
		bridge := realtime.NewBridge(redisClient, bus, cfg.Refresh.Channel, logger)
		if err := bridge.Start(ctx); err != nil {
			logger.LogWarn(ctx, "failed to start mutation bridge", "error", err)
		} else {
			defer bridge.Close()
			broadcaster = bridge
		}
	}

	// AWS wiring
	awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{
		Region:   cfg.AWS.Region,
		Endpoint: cfg.AWS.Endpoint,
	})
	if err != nil {
		logger.LogError(ctx, "failed to load AWS config", err)
		log.Fatalf("Failed to load AWS config: %v", err)
	}

	appTracer := observability.NewTracer("marketplace")
	if !cfg.Observability.Tracing.Enabled {
		appTracer = observability.NewNoopTracer()
	}

	docs, err := docstore.NewDynamoStore(docstore.DynamoStoreConfig{
		AWSConfig: awsCfg,
		Tables: docstore.TableNames{
			Properties: cfg.AWS.PropertiesTable,
			Users:      cfg.AWS.UsersTable,
			Saved:      cfg.AWS.SavedTable,
		},
		Logger:  logger,
		Metrics: metrics,
		Tracer:  appTracer,
	})
	if err != nil {
		logger.LogError(ctx, "failed to create docstore", err)
		log.Fatalf("Failed to create docstore: %v", err)
	}

	// Change notices: SNS when configured, logging otherwise
	var notifier listing.Notifier
	if cfg.Notifications.Enabled {
		snsClient := aws.NewSNSClient(aws.SNSClientConfig{
			AWSConfig: awsCfg,
			Logger:    logger,
			Metrics:   metrics,
		})
		publisher, err := notification.NewPublisher(notification.PublisherConfig{
			SNSClient:     snsClient,
			TopicARN:      cfg.Notifications.SNSTopicARN,
			PublishPerSec: cfg.Notifications.PublishPerSec,
			PublishBurst:  cfg.Notifications.PublishBurst,
			Logger:        logger,
			Metrics:       metrics,
			Tracer:        appTracer,
		})
		if err != nil {
			logger.LogError(ctx, "failed to create notification publisher", err)
			log.Fatalf("Failed to create notification publisher: %v", err)
		}
		notifier = publisher
	} else {
		notifier = notification.NewNoOpPublisher(logger)
	}

	// Listing service
	ttls := listing.TTLs{
		PropertyDetails: cfg.Cache.TTL.PropertyDetails,
		Search:          cfg.Cache.TTL.Search,
		SavedProperties: cfg.Cache.TTL.SavedProperties,
		UserListings:    cfg.Cache.TTL.UserListings,
		UserProfile:     cfg.Cache.TTL.UserProfile,
		Recommendations: cfg.Cache.TTL.Recommendations,
	}
	svc, err := listing.NewService(listing.ServiceConfig{
		Docstore:    docs,
		Cache:       store,
		Bus:         bus,
		Broadcaster: broadcaster,
		Notifier:    notifier,
		TTLs:        &ttls,
		Logger:      logger,
		Tracer:      appTracer,
	})
	if err != nil {
		logger.LogError(ctx, "failed to create listing service", err)
		log.Fatalf("Failed to create listing service: %v", err)
	}

	// Warm the cache before serving
	pool := worker.NewPool(ctx, 4, 100)
	defer pool.Close()

	warmer := cache.NewWarmer(logger, cache.DefaultWarmupConfig())
	warmer.RegisterProvider(listing.NewWarmup(svc, pool, 20, logger))
	warmer.Warmup(ctx)

	// HTTP server
	go startHTTPServer(cfg.HTTP.Port, svc, bus, coordinator, cfg.Refresh.PollInterval, metrics, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("marketplace service started", "port", cfg.HTTP.Port)
	<-sigCh
	logger.Info("shutdown signal received, gracefully stopping...")
}

// startHTTPServer serves the marketplace API plus health and metrics
// endpoints.
func startHTTPServer(port int, svc *listing.Service, bus *realtime.Bus, coordinator *realtime.Coordinator, pollInterval time.Duration, metrics *observability.Metrics, logger *observability.Logger) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("GET /properties", func(w http.ResponseWriter, r *http.Request) {
		filter := docstore.SearchFilter{
			City: r.URL.Query().Get("city"),
			Type: r.URL.Query().Get("type"),
		}
		filter.MinPrice, _ = strconv.ParseInt(r.URL.Query().Get("min_price"), 10, 64)
		filter.MaxPrice, _ = strconv.ParseInt(r.URL.Query().Get("max_price"), 10, 64)
		filter.MinBedrooms, _ = strconv.Atoi(r.URL.Query().Get("min_bedrooms"))
		filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

		results, err := svc.Search(r.Context(), filter)
		writeJSON(w, results, err, logger)
	})

	mux.HandleFunc("GET /properties/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.GetProperty(r.Context(), r.PathValue("id"))
		writeJSON(w, p, err, logger)
	})

	mux.HandleFunc("POST /properties", func(w http.ResponseWriter, r *http.Request) {
		var p docstore.Property
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		created, err := svc.CreateProperty(r.Context(), &p)
		writeJSON(w, created, err, logger)
	})

	mux.HandleFunc("PUT /properties/{id}", func(w http.ResponseWriter, r *http.Request) {
		var p docstore.Property
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.ID = r.PathValue("id")
		err := svc.UpdateProperty(r.Context(), &p)
		writeJSON(w, p, err, logger)
	})

	mux.HandleFunc("DELETE /properties/{id}", func(w http.ResponseWriter, r *http.Request) {
		err := svc.DeleteProperty(r.Context(), r.PathValue("id"))
		writeJSON(w, map[string]string{"status": "deleted"}, err, logger)
	})

	mux.HandleFunc("GET /users/{id}/saved", func(w http.ResponseWriter, r *http.Request) {
		saved, err := svc.SavedProperties(r.Context(), r.PathValue("id"))
		writeJSON(w, saved, err, logger)
	})

	mux.HandleFunc("PUT /users/{id}/saved/{property}", func(w http.ResponseWriter, r *http.Request) {
		err := svc.SaveProperty(r.Context(), r.PathValue("id"), r.PathValue("property"))
		writeJSON(w, map[string]string{"status": "saved"}, err, logger)
	})

	mux.HandleFunc("DELETE /users/{id}/saved/{property}", func(w http.ResponseWriter, r *http.Request) {
		err := svc.UnsaveProperty(r.Context(), r.PathValue("id"), r.PathValue("property"))
		writeJSON(w, map[string]string{"status": "removed"}, err, logger)
	})

	mux.HandleFunc("GET /users/{id}/listings", func(w http.ResponseWriter, r *http.Request) {
		listings, err := svc.UserListings(r.Context(), r.PathValue("id"))
		writeJSON(w, listings, err, logger)
	})

	mux.HandleFunc("GET /users/{id}/recommendations", func(w http.ResponseWriter, r *http.Request) {
		recs, err := svc.Recommendations(r.Context(), r.PathValue("id"))
		writeJSON(w, recs, err, logger)
	})

	// Surfaces regaining focus report here so stale views refresh.
	mux.HandleFunc("POST /signals/visible", func(w http.ResponseWriter, r *http.Request) {
		bus.Publish(realtime.Event{
			Topic: realtime.TopicVisibility,
			Name:  realtime.SignalVisible,
		})
		w.WriteHeader(http.StatusAccepted)
	})

	// Long-lived update stream: one coordinator subscription per
	// connected client, torn down when the client disconnects.
	mux.HandleFunc("GET /users/{id}/updates", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		refreshed := make(chan struct{}, 1)
		unsubscribe := coordinator.Subscribe(realtime.SubscriptionConfig{
			UserID: r.PathValue("id"),
			OnUserDataChange: func() {
				select {
				case refreshed <- struct{}{}:
				default:
				}
			},
			PollInterval: pollInterval,
		})
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-refreshed:
				fmt.Fprint(w, "event: refresh\ndata: {}\n\n")
				flusher.Flush()
			}
		}
	})

	addr := fmt.Sprintf(":%d", port)
	logger.Info("HTTP server listening", "address", addr)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.LogError(context.Background(), "HTTP server error", err)
	}
}

// writeJSON writes a JSON response, mapping ErrNotFound to 404.
func writeJSON(w http.ResponseWriter, v interface{}, err error, logger *observability.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, docstore.ErrNotFound) {
			status = http.StatusNotFound
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.LogError(context.Background(), "failed to encode response", err)
	}
}

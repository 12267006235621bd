// Command server runs the bot detection engine in front of a small demo
// application. Every route except /health, /metrics and the fingerprint
// callback goes through the detection middleware.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/sentinel/internal/cluster"
	"github.com/ocx/sentinel/internal/config"
	"github.com/ocx/sentinel/internal/coordinator"
	"github.com/ocx/sentinel/internal/detect"
	"github.com/ocx/sentinel/internal/engine"
	"github.com/ocx/sentinel/internal/fastpath"
	"github.com/ocx/sentinel/internal/middleware"
	"github.com/ocx/sentinel/internal/reputation"
	"github.com/ocx/sentinel/internal/response"
	"github.com/ocx/sentinel/internal/signal"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the yaml configuration")
	flag.Parse()

	var (
		cfg     *config.Config
		manager *config.Manager
		err     error
	)
	if _, statErr := os.Stat(configPath); statErr == nil {
		manager, err = config.NewManager(configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		defer manager.Close()
		cfg = manager.Current()
		log.Printf("loaded config from %s", configPath)
	} else {
		cfg, err = config.FromEnv()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		log.Printf("no config file at %s, running on defaults", configPath)
	}

	salt := cfg.Identity.HashSalt
	if salt == "" {
		// Dev convenience only; Validate rejects this outside dev.
		salt = uuid.NewString()
		log.Printf("identity.hash_salt not set, using an ephemeral salt; signatures will not survive restarts")
	}

	// Process-wide state.
	global := signal.NewGlobalSink()
	coord := coordinator.New(global, cfg.BuildCoordinator())
	defer coord.Stop()

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	repCache, err := reputation.NewCacheFromConfig(ctx, cfg.Reputation.Store)
	if err != nil {
		log.Fatalf("reputation: %v", err)
	}
	sweeper := reputation.NewSweeper(repCache, cfg.BuildSweep())
	defer sweeper.Stop()

	countries := cluster.NewCountryTracker(0, 0)
	clusters := cluster.NewEngine(coord, global, nil, cfg.BuildCluster())
	clusters.Start()
	defer clusters.Stop()

	// Detection pipeline.
	registry := detect.NewRegistry()
	for _, d := range detect.BuiltinDetectors() {
		registry.Register(d)
	}
	if err := registry.ApplyManifests(cfg.Detectors); err != nil {
		log.Fatalf("detectors: %v", err)
	}

	policies, err := cfg.BuildPolicies()
	if err != nil {
		log.Fatalf("policies: %v", err)
	}
	if err := policies.Validate(registry.Has, nil); err != nil {
		log.Fatalf("policies: %v", err)
	}

	intel := detect.NewStaticIntel(cfg.BuildIntel())
	fingerprints := middleware.NewFingerprintStore()
	matcher := fastpath.NewMatcher(salt)

	eng := engine.NewOrchestrator(registry, policies, engine.Deps{
		Behavior:     coord,
		Clusters:     clusters,
		Reputation:   repCache,
		Country:      countries,
		Intel:        intel,
		Fingerprints: fingerprints,
	})

	// Summaries persist alongside reputation when redis is configured.
	var summaries response.SummarySink
	if store := cfg.Reputation.Store; store.Backend == "redis" {
		summaryLog, err := response.NewRedisSummaryLog(ctx, store.RedisAddr, store.RedisPassword, store.RedisDB)
		if err != nil {
			log.Fatalf("summary log: %v", err)
		}
		defer summaryLog.Stop()
		summaries = summaryLog
	}

	responses := response.NewCoordinator(global, response.Deps{
		Behavior:   coord,
		Learner:    matcher,
		Reputation: repCache,
		Countries:  countries,
		Summaries:  summaries,
	}, cfg.BuildResponse())

	wall, err := middleware.New(eng, matcher, responses, fingerprints, middleware.Options{
		TrustedProxies: cfg.Proxy.TrustedProxies,
		ThrottleRate:   cfg.Middleware.ThrottleRatePerSecond,
		ThrottleBurst:  cfg.Middleware.ThrottleBurst,
		EmitHeaders:    cfg.Middleware.EmitHeaders,
	})
	if err != nil {
		log.Fatalf("middleware: %v", err)
	}

	// Policy hot reload. Everything else keeps its running config; a
	// restart picks up the rest.
	if manager != nil {
		manager.OnReload(func(next *config.Config) {
			pols, err := next.BuildPolicies()
			if err != nil {
				log.Printf("reload: keeping previous policies: %v", err)
				return
			}
			eng.SwapPolicies(pols)
			log.Printf("reload: policies swapped")
		})
	}

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": "sentinel",
		})
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc(middleware.FingerprintEndpoint, fingerprints.Handler()).Methods("POST")
	router.HandleFunc("/debug/stats", statsHandler(coord, clusters, repCache, matcher, fingerprints, countries)).Methods("GET")

	// Everything else is the protected application.
	router.PathPrefix("/").Handler(wall.Wrap(demoApp()))

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("shutdown signal received, draining...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
	}()

	log.Printf("sentinel listening on %s", cfg.Addr())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	log.Println("server stopped")
}

type statsSource interface {
	Stats() map[string]interface{}
}

func statsHandler(coord, clusters, rep, matcher, fingerprints, countries statsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"coordinator":  coord.Stats(),
			"clusters":     clusters.Stats(),
			"reputation":   rep.Stats(),
			"fastpath":     matcher.Stats(),
			"fingerprints": fingerprints.Stats(),
			"countries":    countries.Stats(),
		})
	}
}

// demoApp is the protected application: a tiny product catalog that
// gives the detectors something real to sit in front of.
func demoApp() http.Handler {
	type product struct {
		ID    string  `json:"id"`
		Name  string  `json:"name"`
		Price float64 `json:"price"`
	}
	catalog := []product{
		{ID: "p-100", Name: "Aurora Lamp", Price: 59.00},
		{ID: "p-101", Name: "Granite Mug", Price: 18.50},
		{ID: "p-102", Name: "Cedar Shelf", Price: 120.00},
	}

	app := mux.NewRouter()
	app.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<!DOCTYPE html><html><body><h1>Storefront</h1><a href=\"/products\">products</a></body></html>"))
	}).Methods("GET")

	app.HandleFunc("/products", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(catalog)
	}).Methods("GET")

	app.HandleFunc("/products/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		for _, p := range catalog {
			if p.ID == id {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(p)
				return
			}
		}
		http.NotFound(w, r)
	}).Methods("GET")

	app.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return app
}

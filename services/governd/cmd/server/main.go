package main

import (
	"context"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/agentlane/agentlane/pkg/signature"
	"github.com/agentlane/agentlane/services/governd/internal/config"
	"github.com/agentlane/agentlane/services/governd/internal/governance"
	"github.com/agentlane/agentlane/services/governd/internal/logging"
	localruntime "github.com/agentlane/agentlane/services/governd/internal/runtime"
	"github.com/agentlane/agentlane/services/governd/internal/snapshot"
	"github.com/agentlane/agentlane/services/governd/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("GOVERND_CONFIG"))
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)

	pool, err := store.Connect(context.Background(), cfg.Database.DSN)
	if err != nil {
		log.WithError(err).Fatal("database connect failed")
	}
	agents := store.NewPostgresAgentStore(pool)
	policies := store.NewPostgresPolicyStore(pool)

	var snapshots snapshot.Cache = snapshot.NewMemoryCache()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		snapshots = snapshot.NewRedisCache(rdb)
	}

	signer, err := signature.NewSignerFromSeedString(cfg.Signer.KeyID, cfg.Signer.Seed)
	if err != nil {
		log.WithError(err).Fatal("signer setup failed")
	}
	revocations := signature.NewRevocations()
	machine := governance.New(agents, signer, revocations, log,
		governance.WithRestrictedThreshold(cfg.Governance.RestrictedThreshold))
	rt := localruntime.NewLocal(agents, policies, snapshots, machine, revocations, log)

	api := &governanceAPI{runtime: rt, agents: agents, policies: policies, log: log}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(bearerAuth(cfg.Auth.Secret))
		api.mount(v1)
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	log.WithField("addr", cfg.Server.Addr).Info("governd listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server exited")
	}
}

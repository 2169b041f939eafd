package main

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/dealrecon/internal/aggregate"
	"github.com/punchamoorthee/dealrecon/internal/api"
	"github.com/punchamoorthee/dealrecon/internal/config"
	"github.com/punchamoorthee/dealrecon/internal/crm"
	"github.com/punchamoorthee/dealrecon/internal/currency"
	"github.com/punchamoorthee/dealrecon/internal/engine"
	"github.com/punchamoorthee/dealrecon/internal/lock"
	"github.com/punchamoorthee/dealrecon/internal/logging"
	"github.com/punchamoorthee/dealrecon/internal/ratelimit"
	"github.com/punchamoorthee/dealrecon/internal/schedule"
	"github.com/punchamoorthee/dealrecon/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.Env)

	if err := store.RunMigrations(cfg.DBSource); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}

	st, err := store.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer st.Close()

	converter, err := currency.ParseRateTable(cfg.Policy.ReportCurrency, cfg.CurrencyRates)
	if err != nil {
		log.Fatalf("Invalid CURRENCY_RATES: %v", err)
	}

	// Initialize Layers
	locks := lock.NewManager(store.NewLockStore(st), logger)
	guard := ratelimit.NewGuard(cfg.WindowLimit, cfg.DailyLimit)
	normalizer := currency.NewNormalizer(cfg.Policy.ReportCurrency, converter)
	aggregator := aggregate.NewAggregator(st, normalizer, logger)
	resolver := schedule.NewResolver(cfg.Policy.TwoInstallmentMinDays)
	crmClient := crm.NewClient(cfg.CRMBaseURL, cfg.CRMAPIToken, guard)
	eng := engine.New(cfg, locks, aggregator, resolver, guard, crmClient, st, logger)
	handler := api.NewHandler(eng, cfg.WebhookSecret, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go locks.RunSweeper(ctx, cfg.LockSweepEvery)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/webhooks/gateway", handler.GatewayWebhook).Methods("POST")
	apiV1.HandleFunc("/deals/{id}/report", handler.DealReport).Methods("GET")
	apiV1.HandleFunc("/sweep", handler.Sweep).Methods("POST")

	logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}

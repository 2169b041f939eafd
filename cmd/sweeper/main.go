package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/punchamoorthee/dealrecon/internal/aggregate"
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

var (
	concurrency int
	timeout     time.Duration
	outFile     string
)

func init() {
	flag.IntVar(&concurrency, "workers", 4, "Number of concurrent deal reconciliations")
	flag.DurationVar(&timeout, "timeout", 30*time.Minute, "Overall sweep deadline")
	flag.StringVar(&outFile, "out", "sweep_results.json", "File to write the JSON summary to")
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.Env)

	st, err := store.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer st.Close()

	converter, err := currency.ParseRateTable(cfg.Policy.ReportCurrency, cfg.CurrencyRates)
	if err != nil {
		log.Fatalf("Invalid CURRENCY_RATES: %v", err)
	}

	locks := lock.NewManager(store.NewLockStore(st), logger)
	guard := ratelimit.NewGuard(cfg.WindowLimit, cfg.DailyLimit)
	normalizer := currency.NewNormalizer(cfg.Policy.ReportCurrency, converter)
	aggregator := aggregate.NewAggregator(st, normalizer, logger)
	resolver := schedule.NewResolver(cfg.Policy.TwoInstallmentMinDays)
	crmClient := crm.NewClient(cfg.CRMBaseURL, cfg.CRMAPIToken, guard)
	eng := engine.New(cfg, locks, aggregator, resolver, guard, crmClient, st, logger)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("sweep starting", "workers", concurrency)
	summary, err := eng.SweepAll(ctx, concurrency)
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}

	// Print JSON for downstream reporting to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(summary)

	file, err := os.Create(outFile)
	if err != nil {
		log.Fatalf("Unable to write %s: %v", outFile, err)
	}
	defer file.Close()
	json.NewEncoder(file).Encode(summary)

	fmt.Printf("processed=%d failed=%d with_issues=%d skipped=%d\n",
		summary.Processed, summary.Failed, summary.WithIssues, summary.Skipped)
}

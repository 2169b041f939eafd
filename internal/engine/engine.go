// Package engine wires the reconciliation pipeline: lock, aggregate, resolve
// schedules, compute the target stage, detect issues, release. Each deal is
// processed independently so one deal's anomaly never blocks the batch.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/dealrecon/internal/aggregate"
	"github.com/punchamoorthee/dealrecon/internal/config"
	"github.com/punchamoorthee/dealrecon/internal/diagnose"
	"github.com/punchamoorthee/dealrecon/internal/domain"
	"github.com/punchamoorthee/dealrecon/internal/lock"
	"github.com/punchamoorthee/dealrecon/internal/ratelimit"
	"github.com/punchamoorthee/dealrecon/internal/schedule"
	"github.com/punchamoorthee/dealrecon/internal/stage"
)

// Lock types, one per logically exclusive operation family.
const (
	LockWebhookProcessing = "webhook_processing"
	LockPaymentCreation   = "payment_creation"
)

var (
	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dealrecon_reconcile_duration_seconds",
		Help:    "Latency of a full per-deal reconciliation pass",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	issuesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealrecon_issues_detected_total",
		Help: "Issues emitted by the detector, by severity and code",
	}, []string{"severity", "code"})
	sweepDeals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealrecon_sweep_deals_total",
		Help: "Deals processed by batch sweeps, by outcome",
	}, []string{"outcome"})
)

// CRM is the remote deal boundary. Reads and stage writes go through it; the
// engine never persists deals locally.
type CRM interface {
	GetDeal(ctx context.Context, id int64) (*domain.Deal, error)
	UpdateStage(ctx context.Context, dealID int64, stageID string) error
}

// Storage is what the engine needs beyond the aggregator's own source.
type Storage interface {
	UpsertGatewayEvent(ctx context.Context, ev domain.GatewayEvent, phase domain.PaymentPhase, scheduleTag domain.ScheduleType) (int64, bool, error)
	GatewayPaymentsByDeal(ctx context.Context, dealID int64) ([]domain.GatewayPayment, error)
	RefreshDocumentAggregates(ctx context.Context, dealID int64) error
	ConfirmationsByDeal(ctx context.Context, dealID int64) (map[string]domain.Confirmation, error)
	DealIDs(ctx context.Context) ([]int64, error)
}

// Report is the operator-facing outcome of one reconciliation pass.
type Report struct {
	DealID            int64               `json:"deal_id"`
	DealValue         string              `json:"deal_value"`
	DealCurrency      string              `json:"deal_currency"`
	ActualStageID     string              `json:"actual_stage_id"`
	TargetStageID     string              `json:"target_stage_id"`
	StageReason       string              `json:"stage_reason"`
	TotalPaidReport   string              `json:"total_paid_report_ccy"`
	TotalPaidOriginal string              `json:"total_paid_original_ccy"`
	InitialSchedule   domain.ScheduleType `json:"initial_schedule"`
	CurrentSchedule   domain.ScheduleType `json:"current_schedule"`
	Issues            []domain.Issue      `json:"issues"`
	GeneratedAt       time.Time           `json:"generated_at"`
}

type Engine struct {
	policy  config.Policy
	locks   *lock.Manager
	lockOpt lock.Options
	agg     *aggregate.Aggregator
	sched   *schedule.Resolver
	guard   *ratelimit.Guard
	crm     CRM
	storage Storage
	log     *slog.Logger
	now     func() time.Time
}

func New(cfg *config.Config, locks *lock.Manager, agg *aggregate.Aggregator, sched *schedule.Resolver, guard *ratelimit.Guard, crm CRM, storage Storage, log *slog.Logger) *Engine {
	return &Engine{
		policy: cfg.Policy,
		locks:  locks,
		lockOpt: lock.Options{
			TTL:        cfg.LockTTL,
			MaxRetries: cfg.LockMaxRetries,
			RetryDelay: cfg.LockRetryDelay,
		},
		agg:     agg,
		sched:   sched,
		guard:   guard,
		crm:     crm,
		storage: storage,
		log:     log,
		now:     time.Now,
	}
}

// ReconcileDeal produces the diagnostic report for one deal. It only reads,
// so it takes no lock; a transiently inconsistent view is acceptable for
// reporting, double-created payments are not.
func (e *Engine) ReconcileDeal(ctx context.Context, dealID int64) (*Report, error) {
	timer := prometheus.NewTimer(reconcileDuration)
	defer timer.ObserveDuration()

	deal, err := e.crm.GetDeal(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("deal %d read failed: %w", dealID, err)
	}
	return e.reconcile(ctx, deal)
}

func (e *Engine) reconcile(ctx context.Context, deal *domain.Deal) (*Report, error) {
	agg, err := e.agg.Aggregate(ctx, *deal)
	if err != nil {
		return nil, fmt.Errorf("deal %d aggregation failed: %w", deal.ID, err)
	}

	initial := e.sched.ResolveInitial(agg.Gateway)
	current := e.sched.ResolveCurrent(deal.ExpectedCloseDate, e.now())

	// The current schedule only classifies brand-new payments; the stage
	// decision follows the initial schedule. A deal that agreed to two
	// installments keeps its second due date even after the closing date
	// moved inside the threshold and collapsed the current schedule to
	// single.
	stageSchedule := current.Schedule
	secondDue := current.SecondPaymentDueDate
	if initial.Schedule == domain.ScheduleTwoInstallment {
		stageSchedule = domain.ScheduleTwoInstallment
		if secondDue == nil {
			due := deal.ExpectedCloseDate.AddDate(0, -1, 0)
			secondDue = &due
		}
	}
	decision := stage.ComputeTargetStage(stage.Input{
		ExpectedAmount: deal.Value,
		PaidAmount:     agg.TotalPaidReport,
		Schedule:       stageSchedule,
		SecondDueDate:  secondDue,
		PaymentCount:   len(agg.Payments),
		Today:          e.now(),
		Pipeline: stage.Pipeline{
			AwaitingFirst: e.policy.StageAwaitingFirst,
			FirstPaid:     e.policy.StageFirstPaid,
			FullyPaid:     e.policy.StageFullyPaid,
		},
		SingleFullTolerance:  e.policy.SingleFullTolerance,
		InstallmentTolerance: e.policy.InstallmentTolerance,
	})

	confirmations, err := e.storage.ConfirmationsByDeal(ctx, deal.ID)
	if err != nil {
		return nil, fmt.Errorf("deal %d confirmations load failed: %w", deal.ID, err)
	}

	issues := diagnose.Detect(diagnose.Input{
		Deal:                 *deal,
		Aggregate:            agg,
		Confirmations:        confirmations,
		Initial:              initial,
		Current:              current,
		TargetStageID:        decision.TargetStageID,
		InstallmentTolerance: e.policy.InstallmentTolerance,
	})
	for _, issue := range issues {
		issuesDetected.WithLabelValues(string(issue.Severity), issue.Code).Inc()
	}

	return &Report{
		DealID:            deal.ID,
		DealValue:         deal.Value.String(),
		DealCurrency:      deal.Currency,
		ActualStageID:     deal.StageID,
		TargetStageID:     decision.TargetStageID,
		StageReason:       decision.Reason,
		TotalPaidReport:   agg.TotalPaidReport.String(),
		TotalPaidOriginal: agg.TotalPaidOriginal.String(),
		InitialSchedule:   initial.Schedule,
		CurrentSchedule:   current.Schedule,
		Issues:            issues,
		GeneratedAt:       e.now().UTC(),
	}, nil
}

// ProcessGatewayEvent ingests one webhook event under the deal's webhook lock,
// refreshes document aggregates and pushes a stage correction when the
// recorded stage drifted from the computed one.
func (e *Engine) ProcessGatewayEvent(ctx context.Context, ev domain.GatewayEvent) (*Report, error) {
	var report *Report

	subject := fmt.Sprintf("deal:%d", ev.DealID)
	opts := e.lockOpt
	opts.LockType = LockWebhookProcessing

	err := e.locks.WithLock(ctx, subject, opts, func(ctx context.Context) error {
		deal, err := e.crm.GetDeal(ctx, ev.DealID)
		if err != nil {
			return fmt.Errorf("deal %d read failed: %w", ev.DealID, err)
		}

		phase, tag, err := e.classifyEvent(ctx, deal, ev)
		if err != nil {
			return err
		}

		paymentID, created, err := e.storage.UpsertGatewayEvent(ctx, ev, phase, tag)
		if err != nil {
			return err
		}
		e.log.Info("gateway event recorded",
			"session_id", ev.SessionID, "deal_id", ev.DealID,
			"payment_id", paymentID, "created", created, "phase", phase)

		if err := e.storage.RefreshDocumentAggregates(ctx, ev.DealID); err != nil {
			return err
		}

		report, err = e.reconcile(ctx, deal)
		if err != nil {
			return err
		}

		if report.TargetStageID != deal.StageID {
			if err := e.crm.UpdateStage(ctx, deal.ID, report.TargetStageID); err != nil {
				return fmt.Errorf("stage update failed: %w", err)
			}
			e.log.Info("stage corrected", "deal_id", deal.ID,
				"from", deal.StageID, "to", report.TargetStageID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// classifyEvent derives the payment phase and the schedule tag recorded at
// creation time. The tag freezes the schedule the customer agreed to; later
// closing-date edits must not rewrite it.
func (e *Engine) classifyEvent(ctx context.Context, deal *domain.Deal, ev domain.GatewayEvent) (domain.PaymentPhase, domain.ScheduleType, error) {
	existing, err := e.storage.GatewayPaymentsByDeal(ctx, deal.ID)
	if err != nil {
		return "", "", fmt.Errorf("deal %d payment load failed: %w", deal.ID, err)
	}

	initial := e.sched.ResolveInitial(existing)
	if initial.Schedule != domain.ScheduleUnknown {
		// A first payment already fixed the schedule; this event is either a
		// replay of it or the second installment.
		for _, p := range existing {
			if p.SessionID == ev.SessionID {
				return p.Phase, p.ScheduleTag, nil
			}
		}
		if initial.Schedule == domain.ScheduleTwoInstallment {
			return domain.PhaseRest, initial.Schedule, nil
		}
		return domain.PhaseSingle, initial.Schedule, nil
	}

	current := e.sched.ResolveCurrent(deal.ExpectedCloseDate, e.now())
	if current.Schedule == domain.ScheduleTwoInstallment {
		return domain.PhaseDeposit, domain.ScheduleTwoInstallment, nil
	}
	return domain.PhaseSingle, domain.ScheduleSingle, nil
}

// DealFailure is one deal's error entry in a sweep summary.
type DealFailure struct {
	DealID int64  `json:"deal_id"`
	Error  string `json:"error"`
}

// SweepSummary is the batch outcome of SweepAll.
type SweepSummary struct {
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	WithIssues int           `json:"with_issues"`
	Skipped    int           `json:"skipped"`
	Failures   []DealFailure `json:"failures,omitempty"`
	Reports    []*Report     `json:"reports,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// SweepAll reconciles every known deal. The guard is consulted before each
// deal's CRM traffic: a hot 10s window pauses the sweep, an exhausted daily
// budget skips the remainder. Failures are per-deal entries, never aborts.
func (e *Engine) SweepAll(ctx context.Context, concurrency int) (*SweepSummary, error) {
	ids, err := e.storage.DealIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("deal id listing failed: %w", err)
	}

	summary := &SweepSummary{StartedAt: e.now().UTC()}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	results := make([]*Report, len(ids))
	failures := make([]*DealFailure, len(ids))
	skipped := make([]bool, len(ids))

	for i, dealID := range ids {
		// Each reconciliation costs roughly two CRM calls (read + possible
		// stage write). A daily budget that cannot cover them will not
		// recover mid-sweep, so stop dispatching entirely.
		if !e.pace(gctx, 2) {
			for j := i; j < len(ids); j++ {
				skipped[j] = true
			}
			break
		}

		g.Go(func() error {
			report, err := e.ReconcileDeal(gctx, dealID)
			if err != nil {
				e.log.Error("deal reconciliation failed", "deal_id", dealID, "error", err)
				failures[i] = &DealFailure{DealID: dealID, Error: err.Error()}
				sweepDeals.WithLabelValues("failed").Inc()
				return nil
			}
			results[i] = report
			sweepDeals.WithLabelValues("ok").Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range ids {
		switch {
		case skipped[i]:
			summary.Skipped++
			sweepDeals.WithLabelValues("skipped").Inc()
		case failures[i] != nil:
			summary.Failed++
			summary.Failures = append(summary.Failures, *failures[i])
		case results[i] != nil:
			summary.Processed++
			summary.Reports = append(summary.Reports, results[i])
			if len(results[i].Issues) > 0 {
				summary.WithIssues++
			}
		}
	}

	summary.FinishedAt = e.now().UTC()
	return summary, nil
}

// pace blocks until the guard allows estimatedCalls more CRM calls. Returns
// false when the daily budget is gone or the context ended; the caller skips
// the deal rather than hammering the remote API.
func (e *Engine) pace(ctx context.Context, estimatedCalls int) bool {
	for {
		safety := e.guard.EstimateSafety("sweep", estimatedCalls)
		switch safety.Recommendation {
		case ratelimit.RecommendSafe:
			return true
		case ratelimit.RecommendWait10s:
			select {
			case <-ctx.Done():
				return false
			case <-time.After(10 * time.Second):
			}
		default:
			e.log.Warn("daily CRM budget exhausted, skipping remaining deals")
			return false
		}
	}
}

// Package aggregate unifies the three payment sources plus refunds into one
// normalized view and computes the paid totals that drive every downstream
// decision.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/dealrecon/internal/currency"
	"github.com/punchamoorthee/dealrecon/internal/domain"
)

// Source loads payment-like records for a deal. Ledger and cash payments are
// linked to the deal through its commercial documents.
type Source interface {
	GatewayPaymentsByDeal(ctx context.Context, dealID int64) ([]domain.GatewayPayment, error)
	LedgerPaymentsByDeal(ctx context.Context, dealID int64) ([]domain.LedgerPayment, error)
	CashPaymentsByDeal(ctx context.Context, dealID int64) ([]domain.CashPayment, error)
	RefundsByDeal(ctx context.Context, dealID int64) ([]domain.RefundRecord, error)
	DocumentsByDeal(ctx context.Context, dealID int64) ([]domain.CommercialDocument, error)

	// CacheGatewayRate persists a freshly looked-up rate on the payment row so
	// later runs reuse it instead of recomputing the stored amount.
	CacheGatewayRate(ctx context.Context, paymentID int64, reportAmount, rate decimal.Decimal, strategy string) error
}

// Result is the aggregated payment picture for one deal.
type Result struct {
	DealID    int64
	Gateway   []domain.GatewayPayment
	Ledger    []domain.LedgerPayment
	Cash      []domain.CashPayment
	Refunds   []domain.RefundRecord
	Documents []domain.CommercialDocument

	// Payments holds every counted payment in the shared normalized shape.
	Payments []domain.NormalizedPayment
	// Unconverted lists payments that contributed zero because no conversion
	// strategy applied. They stay in Payments too; nothing is dropped.
	Unconverted []domain.NormalizedPayment

	TotalPaidReport decimal.Decimal
	// TotalPaidGross sums every paid payment before refund shadowing, in the
	// report currency. Refund anomaly checks run against this, never the net
	// total, so a legitimate full refund does not read as refunds exceeding
	// payments.
	TotalPaidGross decimal.Decimal
	// TotalPaidOriginal sums only payments whose currency equals the deal's
	// declared currency; it exists to detect cross-currency drift.
	TotalPaidOriginal decimal.Decimal
	// TotalRefundedReport is the positive magnitude of all refunds.
	TotalRefundedReport decimal.Decimal
}

type Aggregator struct {
	source     Source
	normalizer *currency.Normalizer
	log        *slog.Logger
}

func NewAggregator(source Source, normalizer *currency.Normalizer, log *slog.Logger) *Aggregator {
	return &Aggregator{source: source, normalizer: normalizer, log: log}
}

// Aggregate loads and normalizes all payment-like records for the deal.
// Rejected ledger lines, unconfirmed cash receipts and gateway payments
// shadowed by a later refund are excluded from totals but kept in the raw
// slices for the detector.
func (a *Aggregator) Aggregate(ctx context.Context, deal domain.Deal) (*Result, error) {
	res := &Result{
		DealID:              deal.ID,
		TotalPaidReport:     decimal.Zero,
		TotalPaidGross:      decimal.Zero,
		TotalPaidOriginal:   decimal.Zero,
		TotalRefundedReport: decimal.Zero,
	}

	var err error
	if res.Gateway, err = a.source.GatewayPaymentsByDeal(ctx, deal.ID); err != nil {
		return nil, fmt.Errorf("load gateway payments: %w", err)
	}
	if res.Ledger, err = a.source.LedgerPaymentsByDeal(ctx, deal.ID); err != nil {
		return nil, fmt.Errorf("load ledger payments: %w", err)
	}
	if res.Cash, err = a.source.CashPaymentsByDeal(ctx, deal.ID); err != nil {
		return nil, fmt.Errorf("load cash payments: %w", err)
	}
	if res.Refunds, err = a.source.RefundsByDeal(ctx, deal.ID); err != nil {
		return nil, fmt.Errorf("load refunds: %w", err)
	}
	if res.Documents, err = a.source.DocumentsByDeal(ctx, deal.ID); err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	refunded := make(map[int64]bool, len(res.Refunds))
	for _, r := range res.Refunds {
		refunded[r.PaymentID] = true
	}

	for _, p := range res.Gateway {
		if p.Status != domain.GatewayPaid {
			continue
		}
		np := a.normalizeGateway(ctx, p)
		if refunded[p.ID] {
			// Shadowed by a refund: excluded from the net totals, but still
			// part of the pre-refund sum refunds are measured against.
			if np.Converted {
				res.TotalPaidGross = res.TotalPaidGross.Add(np.ReportAmount)
			}
			continue
		}
		a.count(res, deal, np)
	}

	for _, p := range res.Ledger {
		if p.ReviewStatus == domain.ReviewRejected || p.Direction != "in" {
			continue
		}
		np := a.normalize(ctx, domain.NormalizedPayment{
			Source:     domain.SourceLedger,
			SourceID:   p.ID,
			Currency:   p.Currency,
			Amount:     p.Amount,
			OccurredAt: p.OperationDate,
		}, decimal.Zero)
		a.count(res, deal, np)
	}

	docCurrency := make(map[int64]string, len(res.Documents))
	for _, d := range res.Documents {
		docCurrency[d.ID] = d.Currency
	}

	for _, p := range res.Cash {
		if !p.Confirmed {
			continue
		}
		ccy, ok := docCurrency[p.DocumentID]
		if !ok {
			ccy = deal.Currency
		}
		np := domain.NormalizedPayment{
			Source:   domain.SourceCash,
			SourceID: p.ID,
			Currency: ccy,
			Amount:   p.ReceivedAmount,
		}
		if p.ConfirmedAt != nil {
			np.OccurredAt = *p.ConfirmedAt
		}
		np = a.normalize(ctx, np, decimal.Zero)
		a.count(res, deal, np)
	}

	for _, r := range res.Refunds {
		conv, err := a.normalizer.Normalize(ctx, r.Amount.Abs(), r.Currency, decimal.Zero)
		if err != nil {
			a.log.Warn("refund not convertible", "refund_id", r.ID, "currency", r.Currency)
			continue
		}
		res.TotalRefundedReport = res.TotalRefundedReport.Add(conv.Amount)
	}

	return res, nil
}

func (a *Aggregator) normalizeGateway(ctx context.Context, p domain.GatewayPayment) domain.NormalizedPayment {
	np := domain.NormalizedPayment{
		Source:     domain.SourceGateway,
		SourceID:   p.ID,
		Currency:   p.Currency,
		Amount:     p.Amount,
		OccurredAt: p.CapturedAt,
	}
	np = a.normalize(ctx, np, p.ExchangeRate)

	// A rate that came from a live lookup is written back so the amount is
	// frozen for every later run.
	if np.Converted && np.RateStrategy == currency.StrategyLiveLookup {
		rate := decimal.NewFromInt(1)
		if !p.Amount.IsZero() {
			rate = np.ReportAmount.Div(p.Amount)
		}
		if err := a.source.CacheGatewayRate(ctx, p.ID, np.ReportAmount, rate, np.RateStrategy); err != nil {
			a.log.Warn("rate cache write failed", "payment_id", p.ID, "error", err)
		}
	}
	return np
}

func (a *Aggregator) normalize(ctx context.Context, np domain.NormalizedPayment, storedRate decimal.Decimal) domain.NormalizedPayment {
	conv, err := a.normalizer.Normalize(ctx, np.Amount, np.Currency, storedRate)
	if err != nil {
		if !errors.Is(err, currency.ErrNoConversion) {
			a.log.Warn("normalize failed", "source", np.Source, "source_id", np.SourceID, "error", err)
		}
		np.ReportAmount = decimal.Zero
		np.RateStrategy = "none"
		np.Converted = false
		return np
	}
	np.ReportAmount = conv.Amount
	np.RateStrategy = conv.Strategy
	np.Converted = true
	return np
}

func (a *Aggregator) count(res *Result, deal domain.Deal, np domain.NormalizedPayment) {
	res.Payments = append(res.Payments, np)
	if !np.Converted {
		res.Unconverted = append(res.Unconverted, np)
		return
	}
	res.TotalPaidReport = res.TotalPaidReport.Add(np.ReportAmount)
	res.TotalPaidGross = res.TotalPaidGross.Add(np.ReportAmount)
	if np.Currency == deal.Currency {
		res.TotalPaidOriginal = res.TotalPaidOriginal.Add(np.Amount)
	}
}

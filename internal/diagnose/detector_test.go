package diagnose

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/dealrecon/internal/aggregate"
	"github.com/punchamoorthee/dealrecon/internal/currency"
	"github.com/punchamoorthee/dealrecon/internal/domain"
	"github.com/punchamoorthee/dealrecon/internal/schedule"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func baseInput() Input {
	return Input{
		Deal: domain.Deal{ID: 42, Value: d("1000"), Currency: "PLN", StageID: "first_payment_received"},
		Aggregate: &aggregate.Result{
			DealID:              42,
			TotalPaidReport:     decimal.Zero,
			TotalPaidOriginal:   decimal.Zero,
			TotalRefundedReport: decimal.Zero,
		},
		Confirmations:        map[string]domain.Confirmation{},
		Initial:              schedule.Initial{Schedule: domain.ScheduleUnknown},
		Current:              schedule.Current{Schedule: domain.ScheduleSingle},
		TargetStageID:        "first_payment_received",
		InstallmentTolerance: d("0.90"),
	}
}

func codes(issues []domain.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func findIssue(t *testing.T, issues []domain.Issue, code string) domain.Issue {
	t.Helper()
	for _, i := range issues {
		if i.Code == code {
			return i
		}
	}
	t.Fatalf("issue %s not found in %v", code, codes(issues))
	return domain.Issue{}
}

func TestNoPaymentsOrDocuments(t *testing.T) {
	in := baseInput()
	issue := findIssue(t, Detect(in), CodeNoPaymentsOrDocuments)
	assert.Equal(t, domain.SeverityWarning, issue.Severity)

	in.Aggregate.Documents = []domain.CommercialDocument{{ID: 1}}
	assert.NotContains(t, codes(Detect(in)), CodeNoPaymentsOrDocuments)
}

func TestCurrencyMismatch(t *testing.T) {
	in := baseInput()
	in.Aggregate.Gateway = []domain.GatewayPayment{
		{ID: 1, SessionID: "s1", Currency: "EUR", Amount: d("100"), Status: domain.GatewayPaid},
	}

	t.Run("without confirmation is a warning", func(t *testing.T) {
		issue := findIssue(t, Detect(in), CodeCurrencyMismatchUnconfirmed)
		assert.Equal(t, domain.SeverityWarning, issue.Severity)
		assert.Equal(t, "EUR", issue.Details["payment_currency"])
	})

	t.Run("verified confirmation downgrades to info", func(t *testing.T) {
		in := in
		in.Confirmations = map[string]domain.Confirmation{
			"s1": {SessionID: "s1", Verified: true},
		}
		got := Detect(in)
		assert.NotContains(t, codes(got), CodeCurrencyMismatchUnconfirmed)
		issue := findIssue(t, got, CodeCurrencyMismatchConfirmed)
		assert.Equal(t, domain.SeverityInfo, issue.Severity)
	})

	t.Run("unpaid payments do not trigger it", func(t *testing.T) {
		in := in
		in.Aggregate = &aggregate.Result{Gateway: []domain.GatewayPayment{
			{ID: 1, SessionID: "s1", Currency: "EUR", Status: domain.GatewayUnpaid},
		}}
		assert.NotContains(t, codes(Detect(in)), CodeCurrencyMismatchUnconfirmed)
	})
}

func TestMissingSecondPayment(t *testing.T) {
	makeInput := func() Input {
		in := baseInput()
		in.Initial = schedule.Initial{Schedule: domain.ScheduleTwoInstallment, SourcePaymentID: 1}
		in.Current = schedule.Current{Schedule: domain.ScheduleSingle, DaysUntilClose: 20}
		in.Aggregate.Gateway = []domain.GatewayPayment{
			{ID: 1, SessionID: "s1", Phase: domain.PhaseDeposit, Currency: "PLN", Amount: d("500"), Status: domain.GatewayPaid, ScheduleTag: domain.ScheduleTwoInstallment},
		}
		in.Aggregate.TotalPaidReport = d("500")
		return in
	}

	t.Run("fires when schedule collapsed to single", func(t *testing.T) {
		issue := findIssue(t, Detect(makeInput()), CodeMissingSecondPayment)
		assert.Equal(t, domain.SeverityWarning, issue.Severity)
		assert.Equal(t, "two-installment", issue.Details["initial_schedule"])
		assert.Equal(t, "single", issue.Details["current_schedule"])
	})

	t.Run("quiet while current schedule still allows a second payment", func(t *testing.T) {
		in := makeInput()
		in.Current = schedule.Current{Schedule: domain.ScheduleTwoInstallment, DaysUntilClose: 45}
		assert.NotContains(t, codes(Detect(in)), CodeMissingSecondPayment)
	})

	t.Run("quiet when a rest payment exists", func(t *testing.T) {
		in := makeInput()
		in.Aggregate.Gateway = append(in.Aggregate.Gateway, domain.GatewayPayment{
			ID: 2, SessionID: "s2", Phase: domain.PhaseRest, Currency: "PLN", Amount: d("500"), Status: domain.GatewayUnpaid,
		})
		assert.NotContains(t, codes(Detect(in)), CodeMissingSecondPayment)
	})

	t.Run("quiet when the first installment is not paid", func(t *testing.T) {
		in := makeInput()
		in.Aggregate.TotalPaidReport = d("100")
		assert.NotContains(t, codes(Detect(in)), CodeMissingSecondPayment)
	})

	t.Run("quiet for single initial schedule", func(t *testing.T) {
		in := makeInput()
		in.Initial = schedule.Initial{Schedule: domain.ScheduleSingle}
		assert.NotContains(t, codes(Detect(in)), CodeMissingSecondPayment)
	})
}

func TestStageMismatch(t *testing.T) {
	in := baseInput()
	in.Deal.StageID = "awaiting_first_payment"
	in.TargetStageID = "fully_paid"
	in.Aggregate.Documents = []domain.CommercialDocument{{ID: 1}}

	issue := findIssue(t, Detect(in), CodeStageMismatch)
	assert.Equal(t, domain.SeverityWarning, issue.Severity)
	assert.Equal(t, "fully_paid", issue.Details["target_stage"])

	in.Deal.StageID = "fully_paid"
	assert.NotContains(t, codes(Detect(in)), CodeStageMismatch)
}

func TestRefundsExceedPayments(t *testing.T) {
	in := baseInput()
	in.Aggregate.Documents = []domain.CommercialDocument{{ID: 1}}
	in.Aggregate.TotalPaidGross = d("500")

	tests := []struct {
		name     string
		net      string
		refunded string
		fires    bool
	}{
		{"refunds below payments", "500", "499", false},
		{"refunds equal payments", "500", "500", false},
		{"refunds exceed payments", "500", "500.01", true},
		// A fully refunded payment zeroes the net total but not the
		// pre-refund sum; that must not read as an anomaly.
		{"full refund leaves net at zero", "0", "500", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := in
			in.Aggregate.TotalPaidReport = d(tt.net)
			in.Aggregate.TotalRefundedReport = d(tt.refunded)
			got := Detect(in)
			if tt.fires {
				issue := findIssue(t, got, CodeRefundsExceedPayments)
				assert.Equal(t, domain.SeverityCritical, issue.Severity)
			} else {
				assert.NotContains(t, codes(got), CodeRefundsExceedPayments)
			}
		})
	}
}

func TestPaidWithoutConfirmation(t *testing.T) {
	in := baseInput()
	in.Aggregate.Gateway = []domain.GatewayPayment{
		{ID: 1, SessionID: "s1", Currency: "PLN", Status: domain.GatewayPaid},
	}

	t.Run("same currency is info", func(t *testing.T) {
		issue := findIssue(t, Detect(in), CodeUnconfirmedPaid)
		assert.Equal(t, domain.SeverityInfo, issue.Severity)
	})

	t.Run("cross currency escalates to warning", func(t *testing.T) {
		in := in
		in.Aggregate = &aggregate.Result{Gateway: []domain.GatewayPayment{
			{ID: 1, SessionID: "s1", Currency: "EUR", Status: domain.GatewayPaid},
		}}
		issue := findIssue(t, Detect(in), CodeUnconfirmedPaid)
		assert.Equal(t, domain.SeverityWarning, issue.Severity)
	})

	t.Run("verified confirmation silences it", func(t *testing.T) {
		in := in
		in.Confirmations = map[string]domain.Confirmation{"s1": {Verified: true}}
		assert.NotContains(t, codes(Detect(in)), CodeUnconfirmedPaid)
	})
}

func TestMissingExchangeRate(t *testing.T) {
	in := baseInput()
	in.Aggregate.Unconverted = []domain.NormalizedPayment{
		{Source: domain.SourceLedger, SourceID: 5, Currency: "CHF", Amount: d("100")},
	}

	issue := findIssue(t, Detect(in), CodeMissingExchangeRate)
	assert.Equal(t, domain.SeverityWarning, issue.Severity)
	assert.Equal(t, "CHF", issue.Details["currency"])
}

// Rules never suppress each other: a deal can carry a critical refund
// anomaly and a currency mismatch at the same time.
func TestRulesAreIndependent(t *testing.T) {
	in := baseInput()
	in.Aggregate.Gateway = []domain.GatewayPayment{
		{ID: 1, SessionID: "s1", Currency: "EUR", Amount: d("100"), Status: domain.GatewayPaid},
	}
	in.Aggregate.TotalPaidReport = d("100")
	in.Aggregate.TotalPaidGross = d("100")
	in.Aggregate.TotalRefundedReport = d("200")

	got := codes(Detect(in))
	assert.Contains(t, got, CodeRefundsExceedPayments)
	assert.Contains(t, got, CodeCurrencyMismatchUnconfirmed)
	assert.Contains(t, got, CodeUnconfirmedPaid)
}

// paymentSource is a minimal aggregate.Source for composed runs.
type paymentSource struct {
	gateway []domain.GatewayPayment
	refunds []domain.RefundRecord
}

func (s *paymentSource) GatewayPaymentsByDeal(context.Context, int64) ([]domain.GatewayPayment, error) {
	return s.gateway, nil
}
func (s *paymentSource) LedgerPaymentsByDeal(context.Context, int64) ([]domain.LedgerPayment, error) {
	return nil, nil
}
func (s *paymentSource) CashPaymentsByDeal(context.Context, int64) ([]domain.CashPayment, error) {
	return nil, nil
}
func (s *paymentSource) RefundsByDeal(context.Context, int64) ([]domain.RefundRecord, error) {
	return s.refunds, nil
}
func (s *paymentSource) DocumentsByDeal(context.Context, int64) ([]domain.CommercialDocument, error) {
	return nil, nil
}
func (s *paymentSource) CacheGatewayRate(context.Context, int64, decimal.Decimal, decimal.Decimal, string) error {
	return nil
}

// The refund invariant, driven through aggregation instead of hand-set
// totals: the issue fires exactly when the refunded sum exceeds the sum of
// paid payments, shadowed or not.
func TestRefundInvariantThroughAggregation(t *testing.T) {
	deal := domain.Deal{ID: 42, Value: d("1000"), Currency: "PLN", StageID: "first_payment_received"}
	aggregateFor := func(t *testing.T, src *paymentSource) *aggregate.Result {
		t.Helper()
		agg := aggregate.NewAggregator(src, currency.NewNormalizer("PLN", nil), slog.New(slog.DiscardHandler))
		res, err := agg.Aggregate(context.Background(), deal)
		require.NoError(t, err)
		return res
	}

	t.Run("full refund of the only payment is not an anomaly", func(t *testing.T) {
		res := aggregateFor(t, &paymentSource{
			gateway: []domain.GatewayPayment{
				{ID: 1, SessionID: "s1", DealID: 42, Currency: "PLN", Amount: d("300"), Status: domain.GatewayPaid},
			},
			refunds: []domain.RefundRecord{
				{ID: 2, PaymentID: 1, Amount: d("-300"), Currency: "PLN"},
			},
		})
		require.True(t, res.TotalPaidReport.IsZero())
		require.True(t, res.TotalPaidGross.Equal(d("300")))

		in := baseInput()
		in.Deal = deal
		in.Aggregate = res
		assert.NotContains(t, codes(Detect(in)), CodeRefundsExceedPayments)
	})

	t.Run("refunds beyond the paid sum fire the critical issue", func(t *testing.T) {
		res := aggregateFor(t, &paymentSource{
			gateway: []domain.GatewayPayment{
				{ID: 1, SessionID: "s1", DealID: 42, Currency: "PLN", Amount: d("300"), Status: domain.GatewayPaid},
			},
			refunds: []domain.RefundRecord{
				{ID: 2, PaymentID: 1, Amount: d("-300"), Currency: "PLN"},
				{ID: 3, PaymentID: 1, Amount: d("-100"), Currency: "PLN"},
			},
		})
		require.True(t, res.TotalRefundedReport.Equal(d("400")))

		in := baseInput()
		in.Deal = deal
		in.Aggregate = res
		issue := findIssue(t, Detect(in), CodeRefundsExceedPayments)
		assert.Equal(t, domain.SeverityCritical, issue.Severity)
	})

	t.Run("partial refund below the paid sum stays quiet", func(t *testing.T) {
		res := aggregateFor(t, &paymentSource{
			gateway: []domain.GatewayPayment{
				{ID: 1, SessionID: "s1", DealID: 42, Currency: "PLN", Amount: d("300"), Status: domain.GatewayPaid},
				{ID: 2, SessionID: "s2", DealID: 42, Currency: "PLN", Amount: d("200"), Status: domain.GatewayPaid},
			},
			refunds: []domain.RefundRecord{
				{ID: 3, PaymentID: 1, Amount: d("-300"), Currency: "PLN"},
			},
		})
		require.True(t, res.TotalPaidGross.Equal(d("500")))

		in := baseInput()
		in.Deal = deal
		in.Aggregate = res
		assert.NotContains(t, codes(Detect(in)), CodeRefundsExceedPayments)
	})
}

// Scenario: 1000 PLN deal, two-installment deposit of 500 collected, closing
// date later edited to 20 days out. The second payment will never be
// auto-generated; the detector must say so.
func TestScheduleChangeScenario(t *testing.T) {
	today := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r := schedule.NewResolver(30)

	payments := []domain.GatewayPayment{{
		ID: 1, SessionID: "sess-1", Phase: domain.PhaseDeposit, Currency: "PLN",
		Amount: d("500"), Status: domain.GatewayPaid,
		ScheduleTag: domain.ScheduleTwoInstallment,
		CapturedAt:  today.AddDate(0, 0, -2),
	}}

	in := baseInput()
	in.Aggregate.Gateway = payments
	in.Aggregate.TotalPaidReport = d("500")
	in.Initial = r.ResolveInitial(payments)
	in.Current = r.ResolveCurrent(today.AddDate(0, 0, 20), today)

	require.Equal(t, domain.ScheduleTwoInstallment, in.Initial.Schedule)
	require.Equal(t, domain.ScheduleSingle, in.Current.Schedule)

	findIssue(t, Detect(in), CodeMissingSecondPayment)
}

// Package diagnose turns the computed payment picture into typed issues for
// human review. Every rule is an independent pure predicate; one rule firing
// never suppresses another, so new rules bolt on without touching old ones.
package diagnose

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/dealrecon/internal/aggregate"
	"github.com/punchamoorthee/dealrecon/internal/domain"
	"github.com/punchamoorthee/dealrecon/internal/schedule"
)

// Issue codes.
const (
	CodeNoPaymentsOrDocuments       = "NO_PAYMENTS_OR_DOCUMENTS"
	CodeCurrencyMismatchUnconfirmed = "CURRENCY_MISMATCH_WITHOUT_CONFIRMATION"
	CodeCurrencyMismatchConfirmed   = "CURRENCY_MISMATCH_CONFIRMED"
	CodeMissingSecondPayment        = "MISSING_SECOND_PAYMENT_SCHEDULE_CHANGED"
	CodeStageMismatch               = "STAGE_MISMATCH"
	CodeRefundsExceedPayments       = "REFUNDS_EXCEED_PAYMENTS"
	CodeUnconfirmedPaid             = "UNPAID_WITHOUT_EXTERNAL_CONFIRMATION"
	CodeMissingExchangeRate         = "MISSING_EXCHANGE_RATE"
)

// Issue categories.
const (
	CategoryData     = "data"
	CategoryCurrency = "currency"
	CategorySchedule = "schedule"
	CategoryStage    = "stage"
	CategoryRefund   = "refund"
)

// Input is everything a detection pass looks at. All fields are already
// computed; the detector performs no I/O.
type Input struct {
	Deal          domain.Deal
	Aggregate     *aggregate.Result
	Confirmations map[string]domain.Confirmation // keyed by gateway session id
	Initial       schedule.Initial
	Current       schedule.Current
	TargetStageID string

	// InstallmentTolerance is the policy value used to decide whether the
	// first installment counts as paid.
	InstallmentTolerance decimal.Decimal
}

type rule func(Input) []domain.Issue

var rules = []rule{
	noPaymentsOrDocuments,
	currencyMismatch,
	missingSecondPayment,
	stageMismatch,
	refundsExceedPayments,
	paidWithoutConfirmation,
	missingExchangeRate,
}

// Detect runs every rule in order and concatenates their findings.
func Detect(in Input) []domain.Issue {
	var issues []domain.Issue
	for _, r := range rules {
		issues = append(issues, r(in)...)
	}
	return issues
}

func noPaymentsOrDocuments(in Input) []domain.Issue {
	agg := in.Aggregate
	if len(agg.Gateway) > 0 || len(agg.Ledger) > 0 || len(agg.Cash) > 0 || len(agg.Documents) > 0 {
		return nil
	}
	return []domain.Issue{{
		Severity: domain.SeverityWarning,
		Category: CategoryData,
		Code:     CodeNoPaymentsOrDocuments,
		Message:  fmt.Sprintf("deal %d has no payments and no documents", in.Deal.ID),
	}}
}

func currencyMismatch(in Input) []domain.Issue {
	var issues []domain.Issue
	for _, p := range in.Aggregate.Gateway {
		if p.Status != domain.GatewayPaid || p.Currency == in.Deal.Currency {
			continue
		}
		details := map[string]any{
			"payment_id":       p.ID,
			"session_id":       p.SessionID,
			"payment_currency": p.Currency,
			"deal_currency":    in.Deal.Currency,
			"amount":           p.Amount.String(),
		}
		if conf, ok := in.Confirmations[p.SessionID]; ok && conf.Verified {
			// A verified out-of-currency payment is a legitimate customer
			// choice, not a data error.
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityInfo,
				Category: CategoryCurrency,
				Code:     CodeCurrencyMismatchConfirmed,
				Message:  fmt.Sprintf("payment %s in %s against %s deal, confirmed externally", p.SessionID, p.Currency, in.Deal.Currency),
				Details:  details,
			})
			continue
		}
		issues = append(issues, domain.Issue{
			Severity: domain.SeverityWarning,
			Category: CategoryCurrency,
			Code:     CodeCurrencyMismatchUnconfirmed,
			Message:  fmt.Sprintf("payment %s in %s against %s deal lacks external confirmation", p.SessionID, p.Currency, in.Deal.Currency),
			Details:  details,
		})
	}
	return issues
}

// missingSecondPayment is the anomaly this detector exists to catch: the deal
// agreed to two installments, collected the first, then the closing date
// moved inside the threshold so the system will never auto-create the second.
func missingSecondPayment(in Input) []domain.Issue {
	if in.Initial.Schedule != domain.ScheduleTwoInstallment {
		return nil
	}
	if in.Current.Schedule != domain.ScheduleSingle {
		return nil
	}
	for _, p := range in.Aggregate.Gateway {
		if p.Phase == domain.PhaseRest {
			return nil
		}
	}

	half := in.Deal.Value.Div(decimal.NewFromInt(2))
	required := half.Mul(in.InstallmentTolerance)
	if in.Aggregate.TotalPaidReport.LessThan(required) {
		return nil
	}

	return []domain.Issue{{
		Severity: domain.SeverityWarning,
		Category: CategorySchedule,
		Code:     CodeMissingSecondPayment,
		Message:  fmt.Sprintf("deal %d owes a second installment but the closing date no longer allows auto-generation", in.Deal.ID),
		Details: map[string]any{
			"initial_schedule": string(in.Initial.Schedule),
			"current_schedule": string(in.Current.Schedule),
			"days_until_close": in.Current.DaysUntilClose,
			"paid_report_ccy":  in.Aggregate.TotalPaidReport.String(),
			"deal_value":       in.Deal.Value.String(),
		},
	}}
}

func stageMismatch(in Input) []domain.Issue {
	if in.TargetStageID == "" || in.Deal.StageID == in.TargetStageID {
		return nil
	}
	return []domain.Issue{{
		Severity: domain.SeverityWarning,
		Category: CategoryStage,
		Code:     CodeStageMismatch,
		Message:  fmt.Sprintf("deal %d is in stage %q but should be in %q", in.Deal.ID, in.Deal.StageID, in.TargetStageID),
		Details: map[string]any{
			"actual_stage": in.Deal.StageID,
			"target_stage": in.TargetStageID,
		},
	}}
}

// refundsExceedPayments measures refunds against the pre-refund paid sum: a
// fully refunded payment is shadowed out of the net totals, and comparing
// against those would flag every legitimate full refund.
func refundsExceedPayments(in Input) []domain.Issue {
	agg := in.Aggregate
	if agg.TotalRefundedReport.LessThanOrEqual(agg.TotalPaidGross) {
		return nil
	}
	return []domain.Issue{{
		Severity: domain.SeverityCritical,
		Category: CategoryRefund,
		Code:     CodeRefundsExceedPayments,
		Message:  fmt.Sprintf("deal %d refunds (%s) exceed paid payments (%s)", in.Deal.ID, agg.TotalRefundedReport, agg.TotalPaidGross),
		Details: map[string]any{
			"refunded_report_ccy":   agg.TotalRefundedReport.String(),
			"paid_gross_report_ccy": agg.TotalPaidGross.String(),
		},
	}}
}

func paidWithoutConfirmation(in Input) []domain.Issue {
	var issues []domain.Issue
	for _, p := range in.Aggregate.Gateway {
		if p.Status != domain.GatewayPaid {
			continue
		}
		if conf, ok := in.Confirmations[p.SessionID]; ok && conf.Verified {
			continue
		}
		severity := domain.SeverityInfo
		if p.Currency != in.Deal.Currency {
			severity = domain.SeverityWarning
		}
		issues = append(issues, domain.Issue{
			Severity: severity,
			Category: CategoryData,
			Code:     CodeUnconfirmedPaid,
			Message:  fmt.Sprintf("payment %s is marked paid without a corroborating external event", p.SessionID),
			Details: map[string]any{
				"payment_id": p.ID,
				"session_id": p.SessionID,
				"currency":   p.Currency,
			},
		})
	}
	return issues
}

func missingExchangeRate(in Input) []domain.Issue {
	var issues []domain.Issue
	for _, np := range in.Aggregate.Unconverted {
		issues = append(issues, domain.Issue{
			Severity: domain.SeverityWarning,
			Category: CategoryCurrency,
			Code:     CodeMissingExchangeRate,
			Message:  fmt.Sprintf("%s payment %d in %s has no usable exchange rate and contributed zero to totals", np.Source, np.SourceID, np.Currency),
			Details: map[string]any{
				"source":    string(np.Source),
				"source_id": np.SourceID,
				"currency":  np.Currency,
				"amount":    np.Amount.String(),
			},
		})
	}
	return issues
}

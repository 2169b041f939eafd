// Package stage maps aggregated payment state to the target pipeline stage.
// ComputeTargetStage is a pure function of its inputs so stage decisions are
// deterministic and unit-testable without any external state.
package stage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/dealrecon/internal/domain"
)

// Pipeline names the stage identifiers of the target CRM pipeline.
type Pipeline struct {
	AwaitingFirst string
	FirstPaid     string
	FullyPaid     string
}

// Input carries everything the stage decision depends on.
type Input struct {
	ExpectedAmount decimal.Decimal
	PaidAmount     decimal.Decimal
	Schedule       domain.ScheduleType
	SecondDueDate  *time.Time
	PaymentCount   int
	Today          time.Time
	Pipeline       Pipeline

	// SingleFullTolerance (default policy 0.95) completes a single-schedule
	// deal; InstallmentTolerance (default policy 0.90) absorbs rounding and
	// fee deductions on installment tests.
	SingleFullTolerance  decimal.Decimal
	InstallmentTolerance decimal.Decimal
}

// Decision is the computed target stage plus the reason it was chosen.
type Decision struct {
	TargetStageID string
	Reason        string
}

// ComputeTargetStage applies the schedule-aware thresholds.
//
// Single schedule: fully paid at ratio >= SingleFullTolerance, else awaiting
// the first payment. Two-installment: before the second due date only the
// first half (ExpectedAmount/2 at InstallmentTolerance) matters; from the due
// date on, the cumulative amount against InstallmentTolerance of the full
// expected amount decides.
func ComputeTargetStage(in Input) Decision {
	if in.ExpectedAmount.IsZero() {
		return Decision{TargetStageID: in.Pipeline.AwaitingFirst, Reason: "deal has no expected amount"}
	}

	switch in.Schedule {
	case domain.ScheduleTwoInstallment:
		return computeTwoInstallment(in)
	default:
		// Unknown schedules get the single-payment rule; it is the stricter
		// of the two completion tests.
		return computeSingle(in)
	}
}

func computeSingle(in Input) Decision {
	required := in.ExpectedAmount.Mul(in.SingleFullTolerance)
	if in.PaidAmount.GreaterThanOrEqual(required) {
		return Decision{
			TargetStageID: in.Pipeline.FullyPaid,
			Reason:        "paid amount reached single-schedule completion threshold",
		}
	}
	return Decision{
		TargetStageID: in.Pipeline.AwaitingFirst,
		Reason:        "paid amount below single-schedule completion threshold",
	}
}

func computeTwoInstallment(in Input) Decision {
	half := in.ExpectedAmount.Div(decimal.NewFromInt(2))
	firstRequired := half.Mul(in.InstallmentTolerance)
	firstPaid := in.PaidAmount.GreaterThanOrEqual(firstRequired)

	beforeDue := in.SecondDueDate == nil || in.Today.Before(*in.SecondDueDate)
	if beforeDue {
		if firstPaid {
			return Decision{
				TargetStageID: in.Pipeline.FirstPaid,
				Reason:        "first installment paid; second not yet due",
			}
		}
		return Decision{
			TargetStageID: in.Pipeline.AwaitingFirst,
			Reason:        "first installment not yet paid",
		}
	}

	fullRequired := in.ExpectedAmount.Mul(in.InstallmentTolerance)
	if in.PaidAmount.GreaterThanOrEqual(fullRequired) {
		return Decision{
			TargetStageID: in.Pipeline.FullyPaid,
			Reason:        "cumulative amount reached completion threshold after due date",
		}
	}
	if firstPaid {
		return Decision{
			TargetStageID: in.Pipeline.FirstPaid,
			Reason:        "second installment due but not paid",
		}
	}
	return Decision{
		TargetStageID: in.Pipeline.AwaitingFirst,
		Reason:        "no installment paid after due date",
	}
}

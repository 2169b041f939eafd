// Package schedule derives payment schedules for a deal.
//
// The initial schedule is the contract the customer agreed to at first
// payment and is immutable; the current schedule is recomputed from today's
// distance to the closing date. The initial schedule, not the current one,
// governs whether a second payment is still owed.
package schedule

import (
	"time"

	"github.com/punchamoorthee/dealrecon/internal/domain"
)

// Initial is the schedule fixed at first payment.
type Initial struct {
	Schedule        domain.ScheduleType
	SourcePaymentID int64
}

// Current is the schedule recomputed from the closing date.
type Current struct {
	Schedule             domain.ScheduleType
	DaysUntilClose       int
	SecondPaymentDueDate *time.Time
}

// Resolver holds the policy threshold for two-installment qualification.
type Resolver struct {
	twoInstallmentMinDays int
}

func NewResolver(twoInstallmentMinDays int) *Resolver {
	return &Resolver{twoInstallmentMinDays: twoInstallmentMinDays}
}

// ResolveInitial reads the schedule tag recorded on the earliest-captured
// deposit or single gateway payment. With no such payment the schedule is
// unknown, never a guess.
func (r *Resolver) ResolveInitial(payments []domain.GatewayPayment) Initial {
	var first *domain.GatewayPayment
	for i := range payments {
		p := &payments[i]
		if p.Phase != domain.PhaseDeposit && p.Phase != domain.PhaseSingle {
			continue
		}
		if first == nil || p.CapturedAt.Before(first.CapturedAt) {
			first = p
		}
	}
	if first == nil || first.ScheduleTag == "" {
		return Initial{Schedule: domain.ScheduleUnknown}
	}
	return Initial{Schedule: first.ScheduleTag, SourcePaymentID: first.ID}
}

// ResolveCurrent computes the schedule from today's distance to closeDate.
// Days are counted with a ceiling so a partial day still counts.
func (r *Resolver) ResolveCurrent(closeDate, today time.Time) Current {
	days := daysUntil(closeDate, today)
	if days >= r.twoInstallmentMinDays {
		due := closeDate.AddDate(0, -1, 0)
		return Current{
			Schedule:             domain.ScheduleTwoInstallment,
			DaysUntilClose:       days,
			SecondPaymentDueDate: &due,
		}
	}
	return Current{Schedule: domain.ScheduleSingle, DaysUntilClose: days}
}

func daysUntil(closeDate, today time.Time) int {
	diff := closeDate.Sub(today)
	days := int(diff / (24 * time.Hour))
	if diff%(24*time.Hour) > 0 {
		days++
	}
	return days
}

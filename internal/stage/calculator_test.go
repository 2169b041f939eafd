package stage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/punchamoorthee/dealrecon/internal/domain"
)

var pipeline = Pipeline{
	AwaitingFirst: "awaiting_first_payment",
	FirstPaid:     "first_payment_received",
	FullyPaid:     "fully_paid",
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func input(expected, paid string, sched domain.ScheduleType, due *time.Time, today time.Time) Input {
	return Input{
		ExpectedAmount:       d(expected),
		PaidAmount:           d(paid),
		Schedule:             sched,
		SecondDueDate:        due,
		Today:                today,
		Pipeline:             pipeline,
		SingleFullTolerance:  d("0.95"),
		InstallmentTolerance: d("0.90"),
	}
}

func TestComputeTargetStage_SingleSchedule(t *testing.T) {
	today := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		paid string
		want string
	}{
		{"nothing paid", "0", pipeline.AwaitingFirst},
		{"below tolerance", "949.99", pipeline.AwaitingFirst},
		{"at tolerance", "950", pipeline.FullyPaid},
		{"overpaid", "1010", pipeline.FullyPaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTargetStage(input("1000", tt.paid, domain.ScheduleSingle, nil, today))
			assert.Equal(t, tt.want, got.TargetStageID)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestComputeTargetStage_TwoInstallment(t *testing.T) {
	today := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	futureDue := today.AddDate(0, 0, 15)
	pastDue := today.AddDate(0, 0, -5)

	tests := []struct {
		name string
		paid string
		due  *time.Time
		want string
	}{
		{"deposit 500 of 1000 before due date", "500", &futureDue, pipeline.FirstPaid},
		{"deposit at 90% tolerance before due", "450", &futureDue, pipeline.FirstPaid},
		{"deposit below tolerance before due", "449", &futureDue, pipeline.AwaitingFirst},
		{"only first half after due date", "500", &pastDue, pipeline.FirstPaid},
		{"cumulative 90% after due date", "900", &pastDue, pipeline.FullyPaid},
		{"cumulative below 90% after due", "899", &pastDue, pipeline.FirstPaid},
		{"nothing paid after due", "0", &pastDue, pipeline.AwaitingFirst},
		{"no due date behaves as pre-due", "500", nil, pipeline.FirstPaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTargetStage(input("1000", tt.paid, domain.ScheduleTwoInstallment, tt.due, today))
			assert.Equal(t, tt.want, got.TargetStageID)
		})
	}
}

func TestComputeTargetStage_UnknownScheduleUsesStricterRule(t *testing.T) {
	today := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	got := ComputeTargetStage(input("1000", "940", domain.ScheduleUnknown, nil, today))
	assert.Equal(t, pipeline.AwaitingFirst, got.TargetStageID)

	got = ComputeTargetStage(input("1000", "950", domain.ScheduleUnknown, nil, today))
	assert.Equal(t, pipeline.FullyPaid, got.TargetStageID)
}

func TestComputeTargetStage_ZeroExpectedAmount(t *testing.T) {
	today := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	got := ComputeTargetStage(input("0", "100", domain.ScheduleSingle, nil, today))
	assert.Equal(t, pipeline.AwaitingFirst, got.TargetStageID)
}

// Identical inputs must always produce identical decisions regardless of call
// order or prior calls.
func TestComputeTargetStage_Deterministic(t *testing.T) {
	today := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	due := today.AddDate(0, 0, 10)
	in := input("1000", "500", domain.ScheduleTwoInstallment, &due, today)

	first := ComputeTargetStage(in)
	for i := 0; i < 100; i++ {
		ComputeTargetStage(input("777", "1", domain.ScheduleSingle, nil, today))
		assert.Equal(t, first, ComputeTargetStage(in))
	}
}

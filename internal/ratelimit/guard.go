// Package ratelimit paces outbound CRM traffic. Batch sweeps are the dominant
// source of CRM calls and must self-throttle instead of leaning on the remote
// API's error responses.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Level grades current budget occupancy.
type Level string

const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"  // at or over 80% of a budget
	LevelCritical Level = "critical" // at or over 90% of a budget
	LevelLimited  Level = "limited"  // a budget is exhausted
)

// Recommendation answers what a batch caller should do before starting.
type Recommendation string

const (
	RecommendSafe           Recommendation = "safe"
	RecommendWait10s        Recommendation = "wait_10s"
	RecommendWaitDailyReset Recommendation = "wait_daily_reset"
)

const window = 10 * time.Second

var windowOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "dealrecon_crm_window_calls",
	Help: "Outbound CRM calls in the rolling 10s window",
}, []string{"tag"})

// Status is the budget picture after a recorded call.
type Status struct {
	WindowUsed  int
	WindowLimit int
	DailyUsed   int
	DailyLimit  int
	Level       Level
}

// Safety is the answer to an estimateSafety question.
type Safety struct {
	CanRun         bool
	Recommendation Recommendation
}

// Guard owns the rolling window and daily budget for one upstream API. All
// state lives in this one long-lived value, never in package globals, so a
// shared-store backing can replace it without touching callers.
type Guard struct {
	mu          sync.Mutex
	windowLimit int
	dailyLimit  int
	calls       []time.Time
	dailyCount  int
	dailyDay    time.Time
	now         func() time.Time
}

func NewGuard(windowLimit, dailyLimit int) *Guard {
	return &Guard{
		windowLimit: windowLimit,
		dailyLimit:  dailyLimit,
		now:         time.Now,
	}
}

// RecordCall registers one outbound call under tag and reports the budget
// state it produced.
func (g *Guard) RecordCall(tag string) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.prune(now)
	g.calls = append(g.calls, now)
	g.dailyCount++

	windowOccupancy.WithLabelValues(tag).Set(float64(len(g.calls)))

	return Status{
		WindowUsed:  len(g.calls),
		WindowLimit: g.windowLimit,
		DailyUsed:   g.dailyCount,
		DailyLimit:  g.dailyLimit,
		Level:       g.level(len(g.calls), g.dailyCount),
	}
}

// EstimateSafety answers whether estimatedCalls more calls would stay within
// both budgets, before a batch job starts issuing them.
func (g *Guard) EstimateSafety(tag string, estimatedCalls int) Safety {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.prune(now)

	if g.dailyCount+estimatedCalls > g.dailyLimit {
		return Safety{CanRun: false, Recommendation: RecommendWaitDailyReset}
	}
	if len(g.calls)+estimatedCalls > g.windowLimit {
		return Safety{CanRun: false, Recommendation: RecommendWait10s}
	}
	return Safety{CanRun: true, Recommendation: RecommendSafe}
}

// prune drops window entries older than 10s and resets the daily counter at
// UTC midnight. Caller holds the mutex.
func (g *Guard) prune(now time.Time) {
	cutoff := now.Add(-window)
	kept := g.calls[:0]
	for _, t := range g.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.calls = kept

	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(g.dailyDay) {
		g.dailyDay = day
		g.dailyCount = 0
	}
}

func (g *Guard) level(windowUsed, dailyUsed int) Level {
	switch {
	case windowUsed >= g.windowLimit || dailyUsed >= g.dailyLimit:
		return LevelLimited
	case windowUsed*10 >= g.windowLimit*9 || dailyUsed*10 >= g.dailyLimit*9:
		return LevelCritical
	case windowUsed*10 >= g.windowLimit*8 || dailyUsed*10 >= g.dailyLimit*8:
		return LevelWarning
	default:
		return LevelOK
	}
}

// Package retention computes donor retention risk two ways: a weighted
// dashboard scorer and the simpler date-only classifier behind the persisted
// retentionRisk field. The two use different thresholds and level sets on
// purpose; segments filter on the persisted field while dashboards show the
// scorer's label, so they must not be merged.
package retention

import (
	"fmt"
	"math"
	"time"

	"github.com/donorconnect/backend/internal/donors"
)

// Level is the scorer's three-step risk band.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Signals carries the donor attributes the scorer reads. Zero values are
// valid input and degrade to conservative defaults.
type Signals struct {
	TotalGifts    int
	TotalAmount   float64
	FirstGiftDate *time.Time
	LastGiftDate  *time.Time
}

// Assessment is the scorer's full output for dashboard display.
type Assessment struct {
	Level   Level    `json:"level"`
	Label   string   `json:"label"`
	Score   int      `json:"score"`
	Factors []string `json:"factors"`
	Summary string   `json:"summary"`
}

// Score rates how likely a donor is to lapse on a 0-100 scale. It is pure
// and never fails: absent dates and zeroed counters fall back to the
// conservative base rather than erroring.
func Score(sig Signals, now time.Time) Assessment {
	score := 40.0
	factors := make([]string, 0, 4)
	if sig.TotalGifts <= 0 {
		score = 55.0
		factors = append(factors, "no recorded gifts")
	}

	daysSinceLast := daysSince(sig.LastGiftDate, now)
	switch {
	case daysSinceLast == nil:
		score += 15
		factors = append(factors, "no last gift date")
	case *daysSinceLast <= 30:
		score -= 18
		factors = append(factors, "gave within the last month")
	case *daysSinceLast <= 90:
		factors = append(factors, "gave within the last quarter")
	case *daysSinceLast <= 180:
		score += 18
		factors = append(factors, "no gift in over three months")
	case *daysSinceLast <= 365:
		score += 30
		factors = append(factors, "no gift in over six months")
	default:
		score += 40
		factors = append(factors, "no gift in over a year")
	}

	switch {
	case sig.TotalGifts >= 10:
		score -= 20
		factors = append(factors, "frequent giver")
	case sig.TotalGifts >= 5:
		score -= 12
		factors = append(factors, "repeat giver")
	case sig.TotalGifts >= 2:
		score -= 6
	}

	switch {
	case sig.TotalAmount >= 5000:
		score -= 10
		factors = append(factors, "major donor")
	case sig.TotalAmount >= 1000:
		score -= 6
	case sig.TotalAmount >= 250:
		score -= 2
	}

	if daysSinceFirst := daysSince(sig.FirstGiftDate, now); daysSinceFirst != nil && *daysSinceFirst <= 30 {
		score -= 6
		factors = append(factors, "new donor")
	}

	rounded := int(math.Round(score))
	if rounded < 0 {
		rounded = 0
	}
	if rounded > 100 {
		rounded = 100
	}

	level, label := levelFor(rounded)
	return Assessment{
		Level:   level,
		Label:   label,
		Score:   rounded,
		Factors: factors,
		Summary: fmt.Sprintf("%s (%d/100)", label, rounded),
	}
}

func levelFor(score int) (Level, string) {
	switch {
	case score <= 33:
		return LevelLow, "Likely to return"
	case score <= 66:
		return LevelMedium, "At risk"
	default:
		return LevelHigh, "High risk"
	}
}

// ClassifyRisk is the metric classifier behind the persisted retentionRisk
// enum, applied when a donation is recorded. It is date-only and uses coarser
// thresholds than Score.
func ClassifyRisk(lastGiftDate *time.Time, totalGifts int, now time.Time) donors.RetentionRisk {
	if totalGifts <= 0 || lastGiftDate == nil {
		return donors.RiskUnknown
	}
	days := daysSince(lastGiftDate, now)
	if days == nil {
		return donors.RiskUnknown
	}
	switch {
	case *days > 365:
		return donors.RiskCritical
	case *days > 180:
		return donors.RiskHigh
	case *days > 90:
		return donors.RiskMedium
	default:
		return donors.RiskLow
	}
}

func daysSince(moment *time.Time, now time.Time) *int {
	if moment == nil || moment.IsZero() {
		return nil
	}
	days := int(now.Sub(*moment).Hours() / 24)
	return &days
}

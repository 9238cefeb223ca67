// Package tasks derives prioritized follow-up suggestions from donor
// recency, frequency and monetary attributes. Suggest is pure and
// deterministic: identical inputs always produce identical output, so
// callers can cache or dedupe upstream on the suggestion keys.
package tasks

import (
	"fmt"
	"sort"
	"time"
)

// Input carries the donor attributes the rules evaluate.
type Input struct {
	DonorID             string
	TotalGifts          int
	TotalAmount         float64
	LastDonationDate    *time.Time
	LastInteractionDate *time.Time
}

// Suggestion is one proposed follow-up action. Key is stable across calls
// with unchanged inputs: donor id + trigger + the donation date it fired on.
type Suggestion struct {
	Key     string    `json:"key"`
	DonorID string    `json:"donorId"`
	Title   string    `json:"title"`
	Reason  string    `json:"reason"`
	Urgency int       `json:"urgency"`
	DueAt   time.Time `json:"dueAt"`
}

const day = 24 * time.Hour

// Suggest evaluates every rule independently, deduplicates by title keeping
// the highest-urgency instance, and returns suggestions sorted by urgency
// descending.
func Suggest(in Input, now time.Time) []Suggestion {
	var raw []Suggestion
	add := func(trigger, title, reason string, urgency int, due time.Time) {
		raw = append(raw, Suggestion{
			Key:     fmt.Sprintf("%s:%s:%s", in.DonorID, trigger, keyDate(in.LastDonationDate)),
			DonorID: in.DonorID,
			Title:   title,
			Reason:  reason,
			Urgency: urgency,
			DueAt:   due,
		})
	}

	donationDays := daysSince(in.LastDonationDate, now)
	if donationDays != nil {
		d := *donationDays
		if d >= 0 && d <= 7 {
			add("thank-you", "Send thank-you", "donation received in the last week", 90, now.Add(day))
		}
		if in.TotalGifts == 1 && d >= 30 && d <= 120 {
			add("second-gift", "Encourage second gift", "one gift so far, ideal window for a second ask", 95, now)
		}
		if d >= 30 && d <= 59 {
			add("impact-update", "Share impact update", fmt.Sprintf("%d days since last donation", d), 70, now.Add(day))
		}
		if d >= 60 && d <= 89 {
			add("light-touch", "Send light-touch update", fmt.Sprintf("%d days since last donation", d), 78, now.Add(2*day))
		}
		if d >= 90 {
			reason := fmt.Sprintf("%d days since last donation", d)
			if gap := daysSince(in.LastInteractionDate, now); gap != nil && *gap >= 90 {
				reason = fmt.Sprintf("%s, no interaction in %d days", reason, *gap)
			}
			add("follow-up", "Follow up", reason, 96, now)
		}
		if d >= 180 && in.TotalAmount >= 500 {
			add("check-in-call", "Personal check-in call", fmt.Sprintf("%.0f lifetime giving, quiet for %d days", in.TotalAmount, d), 92, now.Add(day))
		}
	}

	return dedupeByTitle(raw)
}

func dedupeByTitle(raw []Suggestion) []Suggestion {
	best := make(map[string]Suggestion, len(raw))
	for _, suggestion := range raw {
		current, seen := best[suggestion.Title]
		if !seen || suggestion.Urgency > current.Urgency {
			best[suggestion.Title] = suggestion
		}
	}
	deduped := make([]Suggestion, 0, len(best))
	for _, suggestion := range best {
		deduped = append(deduped, suggestion)
	}
	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].Urgency != deduped[j].Urgency {
			return deduped[i].Urgency > deduped[j].Urgency
		}
		return deduped[i].Title < deduped[j].Title
	})
	return deduped
}

func daysSince(moment *time.Time, now time.Time) *int {
	if moment == nil || moment.IsZero() {
		return nil
	}
	days := int(now.Sub(*moment).Hours() / 24)
	return &days
}

func keyDate(moment *time.Time) string {
	if moment == nil || moment.IsZero() {
		return "none"
	}
	return moment.UTC().Format("2006-01-02")
}

package automation

import (
	"fmt"
	"math"
	"slices"

	"github.com/hyperengineering/pipesync/internal/sentiment"
)

// Conditions gate the automation actions. Predicates are evaluated in
// declaration order and the first unmet one names the skip reason. An
// empty sentiment or intent set accepts any value.
type Conditions struct {
	Sentiments    []string
	Intents       []string
	MinConfidence float64
	MinScore      int
}

// Met reports whether a qualification clears every predicate, and if not,
// which one stopped it.
func (c Conditions) Met(q *sentiment.Qualification) (bool, string) {
	if len(c.Sentiments) > 0 && !slices.Contains(c.Sentiments, q.Sentiment) {
		return false, fmt.Sprintf("sentiment %q outside rule set", q.Sentiment)
	}
	if len(c.Intents) > 0 && !slices.Contains(c.Intents, q.Intent) {
		return false, fmt.Sprintf("intent %q outside rule set", q.Intent)
	}
	if q.Confidence < c.MinConfidence {
		return false, fmt.Sprintf("confidence %.2f below %.2f", q.Confidence, c.MinConfidence)
	}
	if q.Score < c.MinScore {
		return false, fmt.Sprintf("score %d below %d", q.Score, c.MinScore)
	}
	return true, ""
}

// ScoreBand maps a minimum score to a deal-value multiplier.
type ScoreBand struct {
	Min        int
	Multiplier float64
}

// DealRules control deal creation for qualified replies. ScoreBands are
// checked in order, so list the highest threshold first; labels missing
// from a multiplier map count as 1.0.
type DealRules struct {
	Enabled            bool
	BaseValue          float64
	Currency           string
	ScoreBands         []ScoreBand
	UrgencyMultipliers map[string]float64
	IntentMultipliers  map[string]float64
}

// Config selects which actions run for a qualified reply and how deal
// values are computed.
type Config struct {
	Conditions    Conditions
	Deal          DealRules
	LogActivities bool
	Notify        bool
}

// DefaultConfig returns the stock rule set: act on engaged replies the
// model is reasonably sure about, with deal values weighted by score
// band, urgency, and intent.
func DefaultConfig() Config {
	return Config{
		Conditions: Conditions{
			Sentiments:    []string{sentiment.SentimentPositive, sentiment.SentimentNeutral},
			Intents:       []string{sentiment.IntentInterested, sentiment.IntentQuestion},
			MinConfidence: 0.6,
			MinScore:      50,
		},
		Deal: DealRules{
			Enabled:   true,
			BaseValue: 1000,
			Currency:  "USD",
			ScoreBands: []ScoreBand{
				{Min: 80, Multiplier: 1.5},
				{Min: 60, Multiplier: 1.2},
			},
			UrgencyMultipliers: map[string]float64{
				sentiment.UrgencyHigh:   1.3,
				sentiment.UrgencyMedium: 1.0,
				sentiment.UrgencyLow:    0.9,
			},
			IntentMultipliers: map[string]float64{
				sentiment.IntentInterested: 1.2,
				sentiment.IntentQuestion:   1.0,
				sentiment.IntentObjection:  0.7,
			},
		},
		LogActivities: true,
		Notify:        true,
	}
}

// dealValue runs the multiplier chain: base value adjusted by the first
// matching score band, then urgency, then intent, rounded to cents.
func dealValue(rules DealRules, q *sentiment.Qualification) float64 {
	value := rules.BaseValue
	for _, band := range rules.ScoreBands {
		if q.Score >= band.Min {
			value *= band.Multiplier
			break
		}
	}
	if m, ok := rules.UrgencyMultipliers[q.Urgency]; ok {
		value *= m
	}
	if m, ok := rules.IntentMultipliers[q.Intent]; ok {
		value *= m
	}
	return math.Round(value*100) / 100
}

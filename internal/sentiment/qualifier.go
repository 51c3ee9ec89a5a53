// Package sentiment qualifies inbound email replies: sentiment, intent,
// urgency, and a 0-100 lead score that the automation rules act on.
package sentiment

import (
	"context"
	"strings"

	"github.com/hyperengineering/pipesync/internal/types"
)

// Sentiment labels.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// Intent labels.
const (
	IntentInterested  = "interested"
	IntentQuestion    = "question"
	IntentObjection   = "objection"
	IntentUnsubscribe = "unsubscribe"
	IntentOther       = "other"
)

// Urgency labels.
const (
	UrgencyHigh   = "high"
	UrgencyMedium = "medium"
	UrgencyLow    = "low"
)

// Qualification is the model's read of one reply.
type Qualification struct {
	Sentiment  string  `json:"sentiment"`
	Intent     string  `json:"intent"`
	Urgency    string  `json:"urgency"`
	Confidence float64 `json:"confidence"`
	Score      int     `json:"score"`
	Summary    string  `json:"summary,omitempty"`
}

// Qualifier defines the interface contract for reply qualification
// services.
type Qualifier interface {
	Qualify(ctx context.Context, reply types.ReplyEvent) (*Qualification, error)
}

// normalize coerces model output into the documented value space:
// labels lowercased and mapped to known sets, confidence clamped to
// [0,1], score clamped to [0,100].
func normalize(q *Qualification) {
	q.Sentiment = strings.ToLower(strings.TrimSpace(q.Sentiment))
	switch q.Sentiment {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
	default:
		q.Sentiment = SentimentNeutral
	}

	q.Intent = strings.ToLower(strings.TrimSpace(q.Intent))
	switch q.Intent {
	case IntentInterested, IntentQuestion, IntentObjection, IntentUnsubscribe, IntentOther:
	default:
		q.Intent = IntentOther
	}

	q.Urgency = strings.ToLower(strings.TrimSpace(q.Urgency))
	switch q.Urgency {
	case UrgencyHigh, UrgencyMedium, UrgencyLow:
	default:
		q.Urgency = UrgencyLow
	}

	if q.Confidence < 0 {
		q.Confidence = 0
	} else if q.Confidence > 1 {
		q.Confidence = 1
	}

	if q.Score < 0 {
		q.Score = 0
	} else if q.Score > 100 {
		q.Score = 100
	}
}

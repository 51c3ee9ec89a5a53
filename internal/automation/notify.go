package automation

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/pipesync/internal/sentiment"
	"github.com/hyperengineering/pipesync/internal/types"
)

// Notification carries everything a sink needs to alert a human about a
// qualified reply.
type Notification struct {
	Reply         types.ReplyEvent
	Qualification *sentiment.Qualification
	PersonID      int64
	DealID        int64
}

// Notifier delivers qualified-reply alerts.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is the
// fallback sink when no external channel is configured.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	slog.Info("qualified reply",
		"component", "automation",
		"from", n.Reply.From,
		"subject", n.Reply.Subject,
		"sentiment", n.Qualification.Sentiment,
		"intent", n.Qualification.Intent,
		"score", n.Qualification.Score,
		"person_id", n.PersonID,
		"deal_id", n.DealID)
	return nil
}

// Package notify abstracts the external delivery channels (email/SMS/push).
// Real delivery is out of scope; the engine only emits intents.
package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier receives engine events destined for members.
type Notifier interface {
	ApprovalDecided(ctx context.Context, memberID uuid.UUID, direction, decision, reason string)
	RankAchieved(ctx context.Context, memberID uuid.UUID, rankName string)
}

// LogNotifier is the default implementation: it records the intent in the
// structured log and delivers nothing.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) ApprovalDecided(ctx context.Context, memberID uuid.UUID, direction, decision, reason string) {
	n.log.Info("notify: approval decided",
		zap.String("member_id", memberID.String()),
		zap.String("direction", direction),
		zap.String("decision", decision),
		zap.String("reason", reason),
	)
}

func (n *LogNotifier) RankAchieved(ctx context.Context, memberID uuid.UUID, rankName string) {
	n.log.Info("notify: rank achieved",
		zap.String("member_id", memberID.String()),
		zap.String("rank", rankName),
	)
}

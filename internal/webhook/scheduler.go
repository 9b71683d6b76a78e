// ABOUTME: Webhook nudge scheduling: upserts the single outbox row per backend
// ABOUTME: slides the debounce window and revives FAILED or stuck SENDING rows

package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/discord-relay/internal/store"
)

// Scheduler maintains the webhook_nudges outbox. It implements the queue's
// NudgeScheduler interface.
type Scheduler struct {
	store  *store.Store
	logger *slog.Logger
}

func NewScheduler(st *store.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		logger: logger.With("component", "webhook-scheduler"),
	}
}

// Schedule records that backendBotID has new traffic. At most one outbox row
// exists per backend; repeat calls inside the debounce window slide the next
// attempt time forward instead of stacking rows.
func (s *Scheduler) Schedule(ctx context.Context, backendBotID, chatBotID, dedupeKey string, debounce time.Duration) error {
	now := time.Now().UTC()
	nextAttempt := now.Add(debounce)

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := s.store.GetNudgeByBackend(ctx, tx, backendBotID)
		if errors.Is(err, store.ErrNotFound) {
			return s.store.InsertNudge(ctx, tx, &store.WebhookNudge{
				ID:            uuid.New().String(),
				BackendBotID:  backendBotID,
				ChatBotID:     chatBotID,
				LastDedupeKey: dedupeKey,
				State:         store.NudgePending,
				NextAttemptAt: nextAttempt,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}
		if err != nil {
			return err
		}

		n.ChatBotID = chatBotID
		n.LastDedupeKey = dedupeKey
		n.NextAttemptAt = nextAttempt
		n.UpdatedAt = now
		switch n.State {
		case store.NudgeFailed:
			// New traffic gets a fresh retry budget.
			n.State = store.NudgePending
			n.Attempts = 0
			n.LastError = ""
		case store.NudgeSending:
			// The in-flight attempt may already have been consumed; make sure
			// this message triggers another POST.
			n.State = store.NudgePending
		}
		return s.store.UpdateNudge(ctx, tx, n)
	})
	if err != nil {
		return fmt.Errorf("scheduling nudge for %s: %w", backendBotID, err)
	}
	s.logger.Debug("nudge scheduled",
		"backend_bot_id", backendBotID,
		"next_attempt_at", nextAttempt)
	return nil
}

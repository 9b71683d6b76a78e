// ABOUTME: Delivery queue engine: enqueue with dedupe, lease/ack/nack, lease reaping
// ABOUTME: wraps store transactions and triggers webhook nudge scheduling on new traffic

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/discord-relay/internal/metrics"
	"github.com/2389/discord-relay/internal/store"
)

// Lease request bounds.
const (
	DefaultLeaseLimit   = 50
	MaxLeaseLimit       = 100
	DefaultLeaseSeconds = 300
	MaxLeaseSeconds     = 3600
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// NudgeScheduler is implemented by the webhook outbox; Enqueue calls it after
// the message transaction commits.
type NudgeScheduler interface {
	Schedule(ctx context.Context, backendBotID, chatBotID, dedupeKey string, debounce time.Duration) error
}

// DeliveryRecord pairs a delivery ID with its message for API responses.
type DeliveryRecord struct {
	DeliveryID string
	Message    *store.Message
}

// LeasedDeliveryRecord is a DeliveryRecord handed out under a lease.
type LeasedDeliveryRecord struct {
	DeliveryRecord
	LeaseID        string
	LeaseExpiresAt time.Time
}

// LeaseParams bounds one lease request. Zero values take the defaults above.
type LeaseParams struct {
	Limit          int
	LeaseSeconds   int
	IncludeHistory bool
	HistoryLimit   int
}

// Service is the queue engine shared by the HTTP API and the Discord ingress.
type Service struct {
	store    *store.Store
	nudges   NudgeScheduler
	debounce map[string]time.Duration
	logger   *slog.Logger
}

// New creates the queue engine. debounce maps backend bot IDs to their
// webhook debounce window; backends absent from the map get no nudges.
func New(st *store.Store, nudges NudgeScheduler, debounce map[string]time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		nudges:   nudges,
		debounce: debounce,
		logger:   logger.With("component", "queue"),
	}
}

var errDuplicate = errors.New("duplicate enqueue")

// Enqueue persists a message and its delivery for backendBotID. Returns false
// without error when the message was already ingested. A webhook nudge is
// scheduled only after the insert commits.
func (s *Service) Enqueue(ctx context.Context, backendBotID string, msg *store.Message) (bool, error) {
	now := time.Now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.DedupeKey == "" {
		msg.DedupeKey = msg.ChatBotID + ":" + msg.ChatMessageID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.InsertMessage(ctx, tx, msg); err != nil {
			if errors.Is(err, store.ErrDuplicateMessage) {
				return errDuplicate
			}
			return err
		}
		return s.store.InsertDelivery(ctx, tx, &store.Delivery{
			ID:           uuid.New().String(),
			MessageID:    msg.ID,
			BackendBotID: backendBotID,
			State:        store.DeliveryPending,
			CreatedAt:    now,
		})
	})
	if errors.Is(err, errDuplicate) {
		metrics.MessagesDeduplicated.Inc()
		s.logger.Debug("duplicate message ignored", "dedupe_key", msg.DedupeKey)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueueing message: %w", err)
	}

	metrics.MessagesEnqueued.WithLabelValues(backendBotID).Inc()
	s.logger.Info("message enqueued",
		"backend_bot_id", backendBotID,
		"chat_bot_id", msg.ChatBotID,
		"dedupe_key", msg.DedupeKey)

	if debounce, ok := s.debounce[backendBotID]; ok && s.nudges != nil {
		if err := s.nudges.Schedule(ctx, backendBotID, msg.ChatBotID, msg.DedupeKey, debounce); err != nil {
			// Nudge scheduling must not undo a committed enqueue.
			s.logger.Error("scheduling webhook nudge", "backend_bot_id", backendBotID, "error", err)
		}
	}
	return true, nil
}

// Lease claims up to p.Limit pending deliveries for backendBotID under a
// fresh lease. Optionally returns channel history around the first leased
// message that has a channel.
func (s *Service) Lease(ctx context.Context, backendBotID string, p LeaseParams) ([]LeasedDeliveryRecord, []*store.Message, error) {
	if p.Limit <= 0 {
		p.Limit = DefaultLeaseLimit
	}
	if p.LeaseSeconds <= 0 {
		p.LeaseSeconds = DefaultLeaseSeconds
	}
	if p.LeaseSeconds > MaxLeaseSeconds {
		return nil, nil, fmt.Errorf("lease_seconds must be at most %d", MaxLeaseSeconds)
	}
	if p.HistoryLimit <= 0 {
		p.HistoryLimit = DefaultHistoryLimit
	}

	leaseID := uuid.New().String()
	expiresAt := time.Now().UTC().Add(time.Duration(p.LeaseSeconds) * time.Second)

	var leased []LeasedDeliveryRecord
	var history []*store.Message
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		pending, err := s.store.SelectPendingDeliveries(ctx, tx, backendBotID, p.Limit)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		ids := make([]string, len(pending))
		for i, pd := range pending {
			ids[i] = pd.DeliveryID
			leased = append(leased, LeasedDeliveryRecord{
				DeliveryRecord: DeliveryRecord{DeliveryID: pd.DeliveryID, Message: pd.Message},
				LeaseID:        leaseID,
				LeaseExpiresAt: expiresAt,
			})
		}
		if err := s.store.LeaseDeliveries(ctx, tx, ids, leaseID, expiresAt); err != nil {
			return err
		}

		if p.IncludeHistory {
			for _, pd := range pending {
				if pd.Message.ChannelID == "" {
					continue
				}
				history, err = s.store.ChannelHistory(ctx, tx,
					pd.Message.ChannelID, store.TimestampCutoff(pd.Message), p.HistoryLimit)
				if err != nil {
					return err
				}
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("leasing deliveries: %w", err)
	}

	if len(leased) > 0 {
		metrics.DeliveriesLeased.WithLabelValues(backendBotID).Add(float64(len(leased)))
		s.logger.Info("deliveries leased",
			"backend_bot_id", backendBotID,
			"count", len(leased),
			"lease_id", leaseID)
	}
	return leased, history, nil
}

// Ack marks leased deliveries delivered. Only rows matching both the lease ID
// and the calling backend count; the returned number is how many matched.
func (s *Service) Ack(ctx context.Context, backendBotID string, deliveryIDs []string, leaseID string) (int64, error) {
	var n int64
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.store.AckDeliveries(ctx, tx, backendBotID, deliveryIDs, leaseID, time.Now().UTC())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("acking deliveries: %w", err)
	}
	if n > 0 {
		metrics.DeliveriesAcked.WithLabelValues(backendBotID).Add(float64(n))
	}
	s.logger.Info("deliveries acked", "backend_bot_id", backendBotID, "requested", len(deliveryIDs), "acked", n)
	return n, nil
}

// Nack returns leased deliveries to pending with an optional reason. The
// returned number is how many rows matched the lease.
func (s *Service) Nack(ctx context.Context, backendBotID string, deliveryIDs []string, leaseID, reason string) (int64, error) {
	var n int64
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.store.NackDeliveries(ctx, tx, backendBotID, deliveryIDs, leaseID, reason)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("nacking deliveries: %w", err)
	}
	if n > 0 {
		metrics.DeliveriesNacked.WithLabelValues(backendBotID).Add(float64(n))
	}
	s.logger.Info("deliveries nacked", "backend_bot_id", backendBotID, "requested", len(deliveryIDs), "nacked", n)
	return n, nil
}

// FetchAndMarkDelivered is the legacy no-lease path: it hands out pending
// deliveries and marks them delivered in the same transaction.
func (s *Service) FetchAndMarkDelivered(ctx context.Context, backendBotID string, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = DefaultLeaseLimit
	}
	var records []DeliveryRecord
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		pending, err := s.store.SelectPendingDeliveries(ctx, tx, backendBotID, limit)
		if err != nil {
			return err
		}
		ids := make([]string, len(pending))
		for i, pd := range pending {
			ids[i] = pd.DeliveryID
			records = append(records, DeliveryRecord{DeliveryID: pd.DeliveryID, Message: pd.Message})
		}
		return s.store.MarkDelivered(ctx, tx, ids, time.Now().UTC())
	})
	if err != nil {
		return nil, fmt.Errorf("fetching pending deliveries: %w", err)
	}
	return records, nil
}

// ReapExpiredLeases returns every expired lease to pending.
func (s *Service) ReapExpiredLeases(ctx context.Context) (int64, error) {
	var n int64
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.store.ReapExpiredLeases(ctx, tx, time.Now().UTC())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reaping leases: %w", err)
	}
	if n > 0 {
		metrics.LeasesReaped.Add(float64(n))
		s.logger.Info("expired leases reaped", "count", n)
	}
	return n, nil
}

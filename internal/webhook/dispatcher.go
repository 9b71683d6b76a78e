// ABOUTME: Webhook dispatcher: claims due nudges and POSTs signed payloads to backends
// ABOUTME: retries 429/5xx/transport errors with configured backoff, parks other failures

package webhook

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/2389/discord-relay/internal/config"
	"github.com/2389/discord-relay/internal/metrics"
	"github.com/2389/discord-relay/internal/store"
)

const (
	defaultClaimLimit   = 25
	defaultPollInterval = time.Second
)

// NudgePayload is the JSON body POSTed to a backend's webhook.
type NudgePayload struct {
	Event        string  `json:"event"`
	BackendBotID string  `json:"backend_bot_id"`
	ChatBotID    *string `json:"chat_bot_id"`
	SentAt       string  `json:"sent_at"`
	DedupeKey    *string `json:"dedupe_key"`
}

// Dispatcher is the background worker draining the webhook_nudges outbox.
type Dispatcher struct {
	store    *store.Store
	webhooks map[string]*config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger

	claimLimit   int
	pollInterval time.Duration

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher builds the dispatcher from config. Backends without a webhook
// block are skipped.
func NewDispatcher(st *store.Store, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	webhooks := make(map[string]*config.WebhookConfig)
	for _, bot := range cfg.EnabledBackendBots() {
		if bot.Webhook != nil {
			wh := *bot.Webhook
			webhooks[bot.ID] = &wh
		}
	}
	return &Dispatcher{
		store:        st,
		webhooks:     webhooks,
		client:       &http.Client{},
		logger:       logger.With("component", "webhook-dispatcher"),
		claimLimit:   defaultClaimLimit,
		pollInterval: defaultPollInterval,
	}
}

// HasWebhooks reports whether any backend is configured for nudges.
func (d *Dispatcher) HasWebhooks() bool {
	return len(d.webhooks) > 0
}

// Start launches the polling loop. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return
	}
	d.done = make(chan struct{})
	d.wg.Add(1)
	go d.run(ctx)
	d.logger.Info("webhook dispatcher started", "backends", len(d.webhooks))
}

// Stop halts the polling loop and waits for the in-flight cycle to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.done == nil {
		d.mu.Unlock()
		return
	}
	close(d.done)
	d.done = nil
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Info("webhook dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ProcessOnce(ctx); err != nil {
				d.logger.Error("webhook dispatch cycle failed", "error", err)
			}
		}
	}
}

// ProcessOnce claims one batch of due nudges and delivers each. Returns the
// number of nudges attempted.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (int, error) {
	var claimed []*store.WebhookNudge
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		due, err := d.store.SelectDueNudges(ctx, tx, time.Now().UTC(), d.claimLimit)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		ids := make([]string, len(due))
		for i, n := range due {
			ids[i] = n.ID
		}
		if err := d.store.MarkNudgesSending(ctx, tx, ids, time.Now().UTC()); err != nil {
			return err
		}
		claimed = due
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("claiming due nudges: %w", err)
	}

	for _, n := range claimed {
		d.deliver(ctx, n)
	}
	return len(claimed), nil
}

// deliver POSTs one nudge and records the outcome. Outcome writes survive
// caller cancellation so a sent POST is never re-claimed as untried.
func (d *Dispatcher) deliver(ctx context.Context, n *store.WebhookNudge) {
	persistCtx := context.WithoutCancel(ctx)

	wh, ok := d.webhooks[n.BackendBotID]
	if !ok {
		// Webhook removed from config since the nudge was written.
		d.logger.Warn("dropping nudge for unconfigured backend", "backend_bot_id", n.BackendBotID)
		if err := d.store.DeleteNudge(persistCtx, d.store.DB(), n.ID); err != nil {
			d.logger.Error("deleting orphaned nudge", "error", err)
		}
		return
	}

	secret, err := wh.ResolvedSecret()
	if err != nil {
		d.fail(persistCtx, n, "secret_error:unresolved")
		return
	}

	payload := NudgePayload{
		Event:        "messages_available",
		BackendBotID: n.BackendBotID,
		ChatBotID:    optional(n.ChatBotID),
		SentAt:       time.Now().UTC().Format(time.RFC3339),
		DedupeKey:    optional(n.LastDedupeKey),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.fail(persistCtx, n, "payload_error:marshal")
		return
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	reqCtx, cancel := context.WithTimeout(ctx, wh.RequestTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		d.fail(persistCtx, n, "request_error:build")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, Sign(secret, timestamp, body))

	resp, err := d.client.Do(req)
	if err != nil {
		d.retry(persistCtx, n, wh, "request_error:"+requestErrorClass(err))
		return
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := d.store.DeleteNudge(persistCtx, d.store.DB(), n.ID); err != nil {
			d.logger.Error("deleting delivered nudge", "error", err)
			return
		}
		metrics.WebhookDeliveries.WithLabelValues(n.BackendBotID, metrics.OutcomeDelivered).Inc()
		d.logger.Info("webhook nudge delivered", "backend_bot_id", n.BackendBotID, "status", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		d.retry(persistCtx, n, wh, fmt.Sprintf("http_status:%d", resp.StatusCode))
	default:
		d.fail(persistCtx, n, fmt.Sprintf("http_status:%d", resp.StatusCode))
	}
}

// retry reschedules with backoff, or parks the nudge once retries run out.
func (d *Dispatcher) retry(ctx context.Context, n *store.WebhookNudge, wh *config.WebhookConfig, reason string) {
	attempts := n.Attempts + 1
	if attempts > wh.MaxRetries {
		d.fail(ctx, n, reason)
		return
	}

	idx := attempts - 1
	if idx >= len(wh.RetryBackoffSeconds) {
		idx = len(wh.RetryBackoffSeconds) - 1
	}
	backoff := time.Duration(wh.RetryBackoffSeconds[idx] * float64(time.Second))
	now := time.Now().UTC()

	if err := d.store.RescheduleNudge(ctx, d.store.DB(), n.ID, attempts, now.Add(backoff), reason, now); err != nil {
		d.logger.Error("rescheduling nudge", "backend_bot_id", n.BackendBotID, "error", err)
		return
	}
	metrics.WebhookDeliveries.WithLabelValues(n.BackendBotID, metrics.OutcomeRetried).Inc()
	d.logger.Warn("webhook nudge retry scheduled",
		"backend_bot_id", n.BackendBotID,
		"attempts", attempts,
		"backoff", backoff,
		"reason", reason)
}

func (d *Dispatcher) fail(ctx context.Context, n *store.WebhookNudge, reason string) {
	if err := d.store.MarkNudgeFailed(ctx, d.store.DB(), n.ID, reason, time.Now().UTC()); err != nil {
		d.logger.Error("marking nudge failed", "backend_bot_id", n.BackendBotID, "error", err)
		return
	}
	metrics.WebhookDeliveries.WithLabelValues(n.BackendBotID, metrics.OutcomeFailed).Inc()
	d.logger.Error("webhook nudge failed", "backend_bot_id", n.BackendBotID, "reason", reason)
}

func requestErrorClass(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "transport"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

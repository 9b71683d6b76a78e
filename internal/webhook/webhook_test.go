// ABOUTME: Tests for webhook signing, nudge scheduling, and dispatch outcomes
// ABOUTME: uses httptest backends to exercise delivery, retry backoff, and failure parking

package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/discord-relay/internal/config"
	"github.com/2389/discord-relay/internal/store"
)

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event":"messages_available"}`)
	sig := Sign("secret", "1700000000", body)
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign("secret", "1700000000", body), "deterministic")

	assert.True(t, Verify("secret", "1700000000", body, sig))
	assert.False(t, Verify("other", "1700000000", body, sig))
	assert.False(t, Verify("secret", "1700000001", body, sig))
	assert.False(t, Verify("secret", "1700000000", []byte(`{}`), sig))
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "relay.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSchedulerUpsert(t *testing.T) {
	st := setupStore(t)
	sched := NewScheduler(st, slog.Default())
	ctx := context.Background()

	require.NoError(t, sched.Schedule(ctx, "backend-a", "disc", "disc:m1", time.Minute))
	first, err := st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.NoError(t, err)
	assert.Equal(t, store.NudgePending, first.State)
	assert.Equal(t, "disc:m1", first.LastDedupeKey)

	// A second message slides the window and reuses the row.
	require.NoError(t, sched.Schedule(ctx, "backend-a", "disc", "disc:m2", time.Minute))
	second, err := st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "disc:m2", second.LastDedupeKey)
	assert.False(t, second.NextAttemptAt.Before(first.NextAttemptAt))
}

func TestSchedulerRevivesFailedNudge(t *testing.T) {
	st := setupStore(t)
	sched := NewScheduler(st, slog.Default())
	ctx := context.Background()

	require.NoError(t, sched.Schedule(ctx, "backend-a", "disc", "disc:m1", 0))
	n, err := st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.NoError(t, err)
	require.NoError(t, st.RescheduleNudge(ctx, st.DB(), n.ID, 3, time.Now(), "http_status:503", time.Now()))
	require.NoError(t, st.MarkNudgeFailed(ctx, st.DB(), n.ID, "http_status:404", time.Now()))

	require.NoError(t, sched.Schedule(ctx, "backend-a", "disc", "disc:m2", 0))
	n, err = st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.NoError(t, err)
	assert.Equal(t, store.NudgePending, n.State)
	assert.Zero(t, n.Attempts, "new traffic resets the retry budget")
	assert.Empty(t, n.LastError)
}

func TestSchedulerResetsSendingNudge(t *testing.T) {
	st := setupStore(t)
	sched := NewScheduler(st, slog.Default())
	ctx := context.Background()

	require.NoError(t, sched.Schedule(ctx, "backend-a", "disc", "disc:m1", 0))
	n, err := st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.NoError(t, err)
	require.NoError(t, st.MarkNudgesSending(ctx, st.DB(), []string{n.ID}, time.Now()))

	require.NoError(t, sched.Schedule(ctx, "backend-a", "disc", "disc:m2", 0))
	n, err = st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.NoError(t, err)
	assert.Equal(t, store.NudgePending, n.State)
}

func dispatcherFor(t *testing.T, st *store.Store, url string, maxRetries int) *Dispatcher {
	t.Helper()
	cfg := &config.Config{
		BackendBots: []config.BackendBotConfig{{
			ID:      "backend-a",
			APIKey:  "key-a",
			Enabled: true,
			Webhook: &config.WebhookConfig{
				URL:                   url,
				Secret:                "secret",
				RequestTimeoutSeconds: 1,
				MaxRetries:            maxRetries,
				RetryBackoffSeconds:   []float64{0.01, 0.02},
			},
		}},
	}
	return NewDispatcher(st, cfg, slog.Default())
}

func scheduleDue(t *testing.T, st *store.Store) {
	t.Helper()
	sched := NewScheduler(st, slog.Default())
	require.NoError(t, sched.Schedule(context.Background(), "backend-a", "disc", "disc:m1", 0))
}

func TestDispatcherDeliversSignedNudge(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	var gotBody []byte
	var gotTimestamp, gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotTimestamp = r.Header.Get(HeaderTimestamp)
		gotSignature = r.Header.Get(HeaderSignature)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	scheduleDue(t, st)
	d := dispatcherFor(t, st, srv.URL, 5)

	n, err := d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, Verify("secret", gotTimestamp, gotBody, gotSignature))
	assert.Contains(t, string(gotBody), `"event":"messages_available"`)
	assert.Contains(t, string(gotBody), `"backend_bot_id":"backend-a"`)
	assert.Contains(t, string(gotBody), `"dedupe_key":"disc:m1"`)

	_, err = st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.ErrorIs(t, err, store.ErrNotFound, "delivered nudges are deleted")

	n, err = d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to claim")
}

func TestDispatcherRetriesServerErrors(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	scheduleDue(t, st)
	d := dispatcherFor(t, st, srv.URL, 5)

	_, err := d.ProcessOnce(ctx)
	require.NoError(t, err)

	n, err := st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.NoError(t, err)
	assert.Equal(t, store.NudgePending, n.State)
	assert.Equal(t, 1, n.Attempts)
	assert.Equal(t, "http_status:503", n.LastError)
	assert.True(t, n.NextAttemptAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestDispatcherExhaustsRetries(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	scheduleDue(t, st)
	d := dispatcherFor(t, st, srv.URL, 1)

	// Attempt 1 reschedules, attempt 2 exceeds max_retries.
	for i := 0; i < 2; i++ {
		time.Sleep(30 * time.Millisecond)
		_, err := d.ProcessOnce(ctx)
		require.NoError(t, err)
	}

	n, err := st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.NoError(t, err)
	assert.Equal(t, store.NudgeFailed, n.State)
	assert.Equal(t, "http_status:429", n.LastError)
}

func TestDispatcherParksClientErrors(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	scheduleDue(t, st)
	d := dispatcherFor(t, st, srv.URL, 5)

	_, err := d.ProcessOnce(ctx)
	require.NoError(t, err)

	n, err := st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.NoError(t, err)
	assert.Equal(t, store.NudgeFailed, n.State)
	assert.Equal(t, "http_status:404", n.LastError)

	cnt, err := d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, cnt, "failed nudges are not retried until new traffic arrives")
}

func TestDispatcherRetriesTransportErrors(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	// A closed server gives a connection refusal.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	scheduleDue(t, st)
	d := dispatcherFor(t, st, url, 5)

	_, err := d.ProcessOnce(ctx)
	require.NoError(t, err)

	n, err := st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.NoError(t, err)
	assert.Equal(t, store.NudgePending, n.State)
	assert.Equal(t, 1, n.Attempts)
	assert.Contains(t, n.LastError, "request_error:")
}

func TestDispatcherFailsOnMissingSecret(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	scheduleDue(t, st)
	cfg := &config.Config{
		BackendBots: []config.BackendBotConfig{{
			ID:      "backend-a",
			APIKey:  "key-a",
			Enabled: true,
			Webhook: &config.WebhookConfig{
				URL:                   "http://localhost:9/hook",
				SecretEnv:             "RELAY_TEST_MISSING_SECRET_ENV",
				RequestTimeoutSeconds: 1,
				MaxRetries:            5,
				RetryBackoffSeconds:   []float64{1},
			},
		}},
	}
	d := NewDispatcher(st, cfg, slog.Default())

	_, err := d.ProcessOnce(ctx)
	require.NoError(t, err)

	n, err := st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.NoError(t, err)
	assert.Equal(t, store.NudgeFailed, n.State)
	assert.Contains(t, n.LastError, "secret_error:")
}

func TestDispatcherDropsOrphanedNudge(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	scheduleDue(t, st)
	d := NewDispatcher(st, &config.Config{}, slog.Default())

	n, err := d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.GetNudgeByBackend(ctx, st.DB(), "backend-a")
	require.ErrorIs(t, err, store.ErrNotFound)
}

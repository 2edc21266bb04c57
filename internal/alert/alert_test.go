package alert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSendDeliversToSlackWebhook(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := New(Config{SlackWebhookURL: server.URL, SlackChannel: "#alerts"}, zerolog.Nop())
	m.Send(context.Background(), "Test Alert", "something happened", Warning, map[string]any{"k": "v"}, "")

	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestSendHonorsCooldown(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := New(Config{SlackWebhookURL: server.URL}, zerolog.Nop())
	m.Send(context.Background(), "Dup Alert", "first", Warning, nil, "dup-key")
	m.Send(context.Background(), "Dup Alert", "second", Warning, nil, "dup-key")

	require.EqualValues(t, 1, atomic.LoadInt32(&hits), "second send within cooldown must be suppressed")
}

func TestSendWithoutAlertKeyNeverSuppressed(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := New(Config{SlackWebhookURL: server.URL}, zerolog.Nop())
	m.Send(context.Background(), "Repeat", "first", Warning, nil, "")
	m.Send(context.Background(), "Repeat", "second", Warning, nil, "")

	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestSendSkipsTransportsWithNoConfig(t *testing.T) {
	m := New(Config{}, zerolog.Nop())
	// No transports configured; Send must return without blocking or panicking.
	m.Send(context.Background(), "Silent", "nobody listens", Info, nil, "")
}

func TestHighFailureRateAlertUsesFixedKey(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := New(Config{SlackWebhookURL: server.URL}, zerolog.Nop())
	m.HighFailureRate(context.Background(), 5, 10)
	m.HighFailureRate(context.Background(), 8, 10)

	require.EqualValues(t, 1, atomic.LoadInt32(&hits), "repeated high-failure-rate alerts share a cooldown key")
}

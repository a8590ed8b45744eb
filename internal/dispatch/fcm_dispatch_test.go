package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushClient(url string) *PushClient {
	return NewPushClient(PushClientConfig{
		Endpoint:        url,
		Key:             "secret",
		Timeout:         time.Second,
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
	})
}

func TestPushClientSendsOneMessagePerToken(t *testing.T) {
	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var msg fcmMessage
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "Emergency nearby", msg.Message.Notification.Title)
		assert.Equal(t, "r1", msg.Message.Data["request_id"])
		tokens = append(tokens, msg.Message.Token)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := pushClient(srv.URL).SendToTokens(context.Background(), []string{"tok-a", "tok-b"},
		"Emergency nearby", "flat tyre", map[string]string{"request_id": "r1"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, r := range res {
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, []string{"tok-a", "tok-b"}, tokens)
}

func TestPushClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := pushClient(srv.URL).SendToTokens(context.Background(), []string{"tok"}, "t", "b", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPushClientDoesNotRetryRejectedToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	res, err := pushClient(srv.URL).SendToTokens(context.Background(), []string{"stale"}, "t", "b", nil)
	require.Error(t, err)
	require.Len(t, res, 1)
	assert.Error(t, res[0].Err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPushClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := pushClient(srv.URL).SendToTokens(context.Background(), []string{"tok"}, "t", "b", nil)
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

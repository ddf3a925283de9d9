package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scout/internal/backoff"
)

func fastRetry() backoff.Config {
	return backoff.Config{MaxAttempts: 2, BaseDelay: time.Millisecond}
}

func TestEnqueueSubmitsQueryAndReturnsTaskID(t *testing.T) {
	var got enqueueRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/enqueue", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "task-42"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "user-1")
	taskID, err := client.Enqueue(context.Background(),
		[]HistoryMessage{{Role: "user", Content: "earlier turn"}}, "what is new in go")

	require.NoError(t, err)
	require.Equal(t, "task-42", taskID)
	require.Equal(t, "user-1", got.UserID)
	require.Equal(t, "what is new in go", got.Query)
	require.Len(t, got.MessageHistory, 1)
}

func TestEnqueueSendsEmptyHistoryNotNull(t *testing.T) {
	var raw map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "t"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "user-1")
	_, err := client.Enqueue(context.Background(), nil, "q")

	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(raw["message_history"]))
}

func TestEnqueueIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "user-1", WithClientBackoff(fastRetry()))
	_, err := client.Enqueue(context.Background(), nil, "q")

	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
	require.Equal(t, int32(1), calls.Load())
}

func TestEnqueueRejectsMissingTaskID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	client := NewClient(server.URL, "user-1")
	_, err := client.Enqueue(context.Background(), nil, "q")
	require.ErrorContains(t, err, "no task id")
}

func TestCancelRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	var got cancelRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		require.Equal(t, "/api/cancel", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "user-1", WithClientBackoff(fastRetry()))
	require.NoError(t, client.Cancel(context.Background(), "task-9"))
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, "task-9", got.TaskID)
	require.Equal(t, "user-1", got.UserID)
}

func TestSteerCarriesMessages(t *testing.T) {
	var got steerRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/steer", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "user-1", WithClientBackoff(fastRetry()))
	err := client.Steer(context.Background(), "task-9",
		[]HistoryMessage{{Role: "user", Content: "focus on performance"}})

	require.NoError(t, err)
	require.Equal(t, "task-9", got.TaskID)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "focus on performance", got.Messages[0].Content)
}

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/models"
)

func TestWebhookNotify(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "foreman", r.Header.Get("User-Agent"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	evt := &models.Event{
		Time:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Kind:       models.EventStepDone,
		RunID:      "run-1",
		WorkflowID: "feature",
		StepID:     "plan",
	}
	require.NoError(t, NewWebhook(time.Second).Notify(context.Background(), srv.URL, evt))

	assert.Equal(t, "step.done", got["event"])
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, "plan", got["step_id"])
	assert.NotContains(t, got, "story_title")
}

func TestWebhookNotify_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(0)
	evt := &models.Event{Kind: models.EventRunFailed, RunID: "run-1"}

	err := w.Notify(context.Background(), srv.URL, evt)
	assert.ErrorContains(t, err, "502")

	err = w.Notify(context.Background(), "://bad", evt)
	assert.ErrorContains(t, err, "invalid notify url")
}

func TestWebhookNotify_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	err := NewWebhook(50*time.Millisecond).Notify(context.Background(), srv.URL, &models.Event{Kind: models.EventRunStarted})
	assert.Error(t, err)
}

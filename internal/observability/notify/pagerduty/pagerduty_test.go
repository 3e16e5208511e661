package pagerduty

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobexec/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestBuildEventDefaults(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key", Timeout: time.Second})
	require.NoError(t, err)

	event := client.buildEvent(notify.DeadLetterPayload{
		JobID:       "123",
		HandlerType: "batch-part",
		Error:       "boom",
		ErrorClass:  "fatal",
		Metadata:    map[string]string{"job_id": "override", "region": "us"},
	})

	assert.Equal(t, "batch-part:123", event["dedup_key"])

	section, ok := event["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, notify.SeverityCritical, section["severity"])
	assert.Equal(t, "jobexec", section["source"])
	assert.Equal(t, "executor", section["component"])

	custom, ok := section["custom_details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "123", custom["job_id"], "metadata never overrides canonical fields")
	assert.Equal(t, "us", custom["region"])
	for _, key := range []string{"handler_type", "scope_id", "error", "error_class", "attempts"} {
		assert.Contains(t, custom, key)
	}
}

func TestSendDeadLetterPostsEvent(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{RoutingKey: "key", Endpoint: srv.URL})
	require.NoError(t, err)

	err = client.SendDeadLetter(context.Background(), notify.DeadLetterPayload{JobID: "9", HandlerType: "h"})
	require.NoError(t, err)
	assert.Equal(t, "key", got["routing_key"])
	assert.Equal(t, "trigger", got["event_action"])
}

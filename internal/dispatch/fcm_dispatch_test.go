package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/notification"
)

func TestFCMDispatchPostsToUserTopic(t *testing.T) {
	var got fcmMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"name":"projects/p/messages/1"}`))
	}))
	defer srv.Close()

	d := NewFCMDispatcher(srv.URL, "secret", logging.Discard())
	res := d.Dispatch(context.Background(), models.Notification{
		ID: "n1", UserID: "u1", Type: models.NotificationRideAccepted, Title: "Accepted", Message: "on the way",
		RelatedRideID: "r1", Data: map[string]any{"eta": 4, "driver": "Ana"},
	})

	assert.Equal(t, notification.ChannelPush, res.Channel)
	assert.True(t, res.Accepted)
	assert.Contains(t, res.Response, "messages/1")
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "user-u1", got.Message.Topic)
	assert.Equal(t, "Accepted", got.Message.Notification.Title)
	assert.Equal(t, "r1", got.Message.Data["rideId"])
	assert.Equal(t, "4", got.Message.Data["eta"])
	assert.Equal(t, "Ana", got.Message.Data["driver"])
}

func TestFCMDispatchBreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewFCMDispatcher(srv.URL, "", logging.Discard())
	n := models.Notification{ID: "n1", UserID: "u1", Type: models.NotificationPromotion}
	for i := 0; i < 8; i++ {
		res := d.Dispatch(context.Background(), n)
		assert.False(t, res.Accepted)
	}
	assert.Equal(t, int32(5), hits.Load())
}

func TestPushDataKeepsReservedKeys(t *testing.T) {
	data := pushData(models.Notification{ID: "n1", Type: models.NotificationPromotion, Data: map[string]any{"type": "spoofed"}})
	assert.Equal(t, "promotion", data["type"])
}

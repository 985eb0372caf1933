package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/notification"
	"github.com/example/ride-tracking/internal/observability"
)

const breakerName = "fcm-push"

// FCMDispatcher posts notifications to the FCM HTTP v1 endpoint. Each user
// subscribes their devices to the topic "user-<id>".
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client

	log *slog.Logger
	cb  *gobreaker.CircuitBreaker[string]
}

func NewFCMDispatcher(endpoint, key string, log *slog.Logger) *FCMDispatcher {
	if log == nil {
		log = slog.Default()
	}
	observability.BreakerState.WithLabelValues(breakerName).Set(0)
	return &FCMDispatcher{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		log:      log,
		cb: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit_breaker_state", "name", name, "from", from.String(), "to", to.String())
				observability.BreakerState.WithLabelValues(name).Set(float64(to))
			},
		}),
	}
}

type fcmMessage struct {
	Message fcmBody `json:"message"`
}

type fcmBody struct {
	Topic        string            `json:"topic"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Image string `json:"image,omitempty"`
}

// Dispatch implements notification.Dispatcher.
func (f *FCMDispatcher) Dispatch(ctx context.Context, n models.Notification) notification.Delivery {
	res, err := f.cb.Execute(func() (string, error) { return f.send(ctx, n) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			f.log.Debug("push_skipped", "notification_id", n.ID, "error", err)
		} else {
			f.log.Warn("push_failed", "notification_id", n.ID, "user_id", n.UserID, "error", err)
		}
		return notification.Delivery{Channel: notification.ChannelPush, Response: err.Error()}
	}
	return notification.Delivery{Channel: notification.ChannelPush, Accepted: true, Response: res}
}

func (f *FCMDispatcher) send(ctx context.Context, n models.Notification) (string, error) {
	b, err := json.Marshal(fcmMessage{Message: fcmBody{
		Topic:        "user-" + n.UserID,
		Notification: fcmNotification{Title: n.Title, Body: n.Message, Image: n.ImageURL},
		Data:         pushData(n),
	}})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("fcm: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return string(bytes.TrimSpace(body)), nil
}

// pushData flattens the notification into the string map FCM requires.
func pushData(n models.Notification) map[string]string {
	out := map[string]string{
		"notificationId": n.ID,
		"type":           string(n.Type),
		"priority":       string(n.Priority),
	}
	if n.RelatedRideID != "" {
		out["rideId"] = n.RelatedRideID
	}
	if n.RelatedPaymentID != "" {
		out["paymentId"] = n.RelatedPaymentID
	}
	if n.ActionURL != "" {
		out["actionUrl"] = n.ActionURL
	}
	for k, v := range n.Data {
		if _, taken := out[k]; taken {
			continue
		}
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			if b, err := json.Marshal(t); err == nil {
				out[k] = string(b)
			}
		}
	}
	return out
}

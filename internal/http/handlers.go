package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-tracking/internal/auth"
	"github.com/example/ride-tracking/internal/location"
	"github.com/example/ride-tracking/internal/notification"
	"github.com/example/ride-tracking/internal/realtime"
)

// Deps are the collaborators the HTTP surface is wired to.
type Deps struct {
	Locations      *location.Service
	Notifications  *notification.Service
	LocationGW     *realtime.LocationGateway
	NotificationGW *realtime.NotificationGateway
	// Verifier guards every route except health and metrics; nil disables auth.
	Verifier *auth.Verifier
	// Ready reports whether backing stores are reachable.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	locations      *location.Service
	notifications  *notification.Service
	locationGW     *realtime.LocationGateway
	notificationGW *realtime.NotificationGateway
	verifier       *auth.Verifier
	ready          func(ctx context.Context) error
	logger         *slog.Logger
	mux            *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		locations:      d.Locations,
		notifications:  d.Notifications,
		locationGW:     d.LocationGW,
		notificationGW: d.NotificationGW,
		verifier:       d.Verifier,
		ready:          d.Ready,
		logger:         d.Logger,
		mux:            mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.NewRoute().Subrouter()
	api.Use(s.authMiddleware)

	if s.locationGW != nil {
		api.Handle("/ws/location", s.locationGW.Hub().Serve(s.locationGW))
	}
	if s.notificationGW != nil {
		api.Handle("/ws/notifications", s.notificationGW.Hub().Serve(s.notificationGW))
	}

	// fixed paths before {driverId}
	api.HandleFunc("/location/drivers/online", s.handleListOnline).Methods(http.MethodGet)
	api.HandleFunc("/location/drivers/on-ride", s.handleListOnRide).Methods(http.MethodGet)
	api.HandleFunc("/location/nearby", s.handleNearby).Methods(http.MethodPost)
	api.HandleFunc("/location/distance", s.handleDistance).Methods(http.MethodGet)
	api.HandleFunc("/location/cleanup", s.handleCleanupStale).Methods(http.MethodPost)
	api.HandleFunc("/location/drivers/{driverId}/status", s.handleSetStatus).Methods(http.MethodPatch)
	api.HandleFunc("/location/drivers/{driverId}", s.handleUpsertLocation).Methods(http.MethodPost)
	api.HandleFunc("/location/drivers/{driverId}", s.handleGetLocation).Methods(http.MethodGet)
	api.HandleFunc("/location/drivers/{driverId}", s.handleRemoveLocation).Methods(http.MethodDelete)

	api.HandleFunc("/notifications", s.handleCreateNotification).Methods(http.MethodPost)
	api.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/ride", s.handleRideNotification).Methods(http.MethodPost)
	api.HandleFunc("/notifications/payment", s.handlePaymentNotification).Methods(http.MethodPost)
	api.HandleFunc("/notifications/bulk", s.handleBulkNotification).Methods(http.MethodPost)
	api.HandleFunc("/notifications/cleanup/expired", s.handleCleanupExpired).Methods(http.MethodPost)
	api.HandleFunc("/notifications/cleanup/old", s.handleCleanupOld).Methods(http.MethodPost)
	api.HandleFunc("/notifications/type/{type}", s.handleNotificationsByType).Methods(http.MethodGet)
	api.HandleFunc("/notifications/user/{userId}/unread-count", s.handleUnreadCount).Methods(http.MethodGet)
	api.HandleFunc("/notifications/user/{userId}/mark-all-read", s.handleMarkAllRead).Methods(http.MethodPatch)
	api.HandleFunc("/notifications/user/{userId}", s.handleUserNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/user/{userId}", s.handleRemoveUserNotifications).Methods(http.MethodDelete)
	api.HandleFunc("/notifications/{id}/mark-read", s.handleMarkRead).Methods(http.MethodPatch)
	api.HandleFunc("/notifications/{id}/mark-delivered", s.handleMarkDelivered).Methods(http.MethodPatch)
	api.HandleFunc("/notifications/{id}", s.handleGetNotification).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}", s.handleUpdateNotification).Methods(http.MethodPatch)
	api.HandleFunc("/notifications/{id}", s.handleRemoveNotification).Methods(http.MethodDelete)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness_failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/notification"
	"github.com/example/ride-tracking/internal/validation"
)

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var in notification.CreateInput
	if err := validation.DecodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.notifications.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.notifications.FindAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleUserNotifications(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.notifications.FindByUser(r.Context(), mux.Vars(r)["userId"], page, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifications.GetUnreadCount(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handleNotificationsByType(w http.ResponseWriter, r *http.Request) {
	typ := models.NotificationType(mux.Vars(r)["type"])
	list, err := s.notifications.FindByType(r.Context(), typ, r.URL.Query().Get("userId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifications.FindOne(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleUpdateNotification(w http.ResponseWriter, r *http.Request) {
	var in notification.UpdateInput
	if err := validation.DecodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.notifications.Update(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifications.MarkAsRead(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifications.MarkAsDelivered(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifications.MarkAllAsRead(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *Server) handleRideNotification(w http.ResponseWriter, r *http.Request) {
	var in notification.RideNotificationInput
	if err := validation.DecodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.notifications.SendRideNotification(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handlePaymentNotification(w http.ResponseWriter, r *http.Request) {
	var in notification.PaymentNotificationInput
	if err := validation.DecodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.notifications.SendPaymentNotification(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleBulkNotification(w http.ResponseWriter, r *http.Request) {
	var in notification.BulkInput
	if err := validation.DecodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.notifications.SendBulkNotification(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, list)
}

func (s *Server) handleCleanupExpired(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifications.CleanupExpiredNotifications(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleCleanupOld(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.notifications.CleanupOldNotifications(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleRemoveNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.notifications.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveUserNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := s.notifications.RemoveByUser(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/notification"
	"github.com/example/ride-tracking/internal/observability"
)

const (
	ChannelNotifications = "notifications"

	EventUserConnect      = "user:connect"
	EventMarkRead         = "notification:mark:read"
	EventMarkAllRead      = "notifications:mark:all:read"
	EventGetUnreadCount   = "notifications:get:unread:count"
	EventNotificationNew  = "notification:new"
	EventUnreadCount      = "notifications:unread:count"
	EventNotificationRide = "notification:ride"
	EventNotificationPay  = "notification:payment"
	EventNotificationSys  = "notification:system"
	EventRideRequest      = "ride:request"
	EventRideAccepted     = "ride:accepted"
	EventRideStarted      = "ride:started"
	EventRideCompleted    = "ride:completed"
	EventDriverArrived    = "driver:arrived"
)

func userRoom(id string) string { return "user:" + id }

// Notifications is the slice of the notification service the gateway drives.
type Notifications interface {
	FindOne(ctx context.Context, id string) (*models.Notification, error)
	GetUnreadCount(ctx context.Context, userID string) (int64, error)
	MarkAsRead(ctx context.Context, id string) (*models.Notification, error)
	MarkAllAsRead(ctx context.Context, userID string) (int64, error)
}

type userConnectMsg struct {
	UserID string `json:"userId"`
}

type markReadMsg struct {
	NotificationID string `json:"notificationId"`
}

// NotificationGateway serves the per-user notification channel and delivers
// new notifications to connected users.
type NotificationGateway struct {
	hub      *Hub
	presence *Presence
	svc      Notifications
	log      *slog.Logger
	now      func() time.Time
}

func NewNotificationGateway(hub *Hub, svc Notifications, log *slog.Logger) *NotificationGateway {
	if log == nil {
		log = slog.Default()
	}
	return &NotificationGateway{hub: hub, presence: NewPresence(), svc: svc, log: log, now: time.Now}
}

func (g *NotificationGateway) Hub() *Hub { return g.hub }

func (g *NotificationGateway) Presence() *Presence { return g.presence }

func (g *NotificationGateway) HandleEvent(ctx context.Context, c *Conn, f Frame) {
	var ack Ack
	switch f.Event {
	case EventUserConnect:
		ack = g.onConnect(ctx, c, f)
	case EventMarkRead:
		ack = g.onMarkRead(ctx, c, f)
	case EventMarkAllRead:
		ack = g.onMarkAllRead(ctx, c)
	case EventGetUnreadCount:
		ack = g.onUnreadCount(ctx, c)
	default:
		ack = ackErr(apperr.Newf(apperr.CodeInvalidArgument, "unknown event %q", f.Event))
	}
	outcome := "ok"
	if ok, _ := ack["success"].(bool); !ok {
		outcome = "error"
	}
	observability.RealtimeEvents.WithLabelValues(ChannelNotifications, f.Event, outcome).Inc()
	c.Reply(f.ID, ack)
}

func (g *NotificationGateway) HandleDisconnect(c *Conn) {
	if userID, ok := g.presence.Remove(c.ID()); ok {
		g.log.Info("user_disconnected", "user_id", userID, "conn_id", c.ID())
	}
}

func (g *NotificationGateway) onConnect(ctx context.Context, c *Conn, f Frame) Ack {
	var msg userConnectMsg
	if err := decode(f, &msg); err != nil {
		return ackErr(err)
	}
	if msg.UserID == "" {
		return ackErr(apperr.New(apperr.CodeInvalidArgument, "userId is required"))
	}
	if prev := g.presence.Identify(c.ID(), msg.UserID); prev != "" && prev != msg.UserID {
		g.hub.Leave(c, userRoom(prev))
	}
	g.hub.Join(c, userRoom(msg.UserID))

	count, err := g.svc.GetUnreadCount(ctx, msg.UserID)
	if err != nil {
		return ackErr(err)
	}
	c.Emit(EventUnreadCount, map[string]int64{"count": count})
	g.log.Info("user_connected", "user_id", msg.UserID, "conn_id", c.ID())
	return ackOK("connected").with("userId", msg.UserID)
}

func (g *NotificationGateway) onMarkRead(ctx context.Context, c *Conn, f Frame) Ack {
	userID, ok := g.presence.Lookup(c.ID())
	if !ok {
		return ackErr(apperr.New(apperr.CodeUnidentified, "user not identified"))
	}
	var msg markReadMsg
	if err := decode(f, &msg); err != nil {
		return ackErr(err)
	}
	n, err := g.svc.FindOne(ctx, msg.NotificationID)
	if err != nil {
		return ackErr(err)
	}
	// other users' notifications are reported as missing
	if n.UserID != userID {
		return ackErr(apperr.New(apperr.CodeNotFound, "notification "+msg.NotificationID+" not found"))
	}
	if _, err := g.svc.MarkAsRead(ctx, n.ID); err != nil {
		return ackErr(err)
	}
	g.refreshCount(ctx, userID)
	return ackOK("notification marked as read")
}

func (g *NotificationGateway) onMarkAllRead(ctx context.Context, c *Conn) Ack {
	userID, ok := g.presence.Lookup(c.ID())
	if !ok {
		return ackErr(apperr.New(apperr.CodeUnidentified, "user not identified"))
	}
	changed, err := g.svc.MarkAllAsRead(ctx, userID)
	if err != nil {
		return ackErr(err)
	}
	g.refreshCount(ctx, userID)
	return ackOK("all notifications marked as read").with("updated", changed)
}

func (g *NotificationGateway) onUnreadCount(ctx context.Context, c *Conn) Ack {
	userID, ok := g.presence.Lookup(c.ID())
	if !ok {
		return ackErr(apperr.New(apperr.CodeUnidentified, "user not identified"))
	}
	count, err := g.svc.GetUnreadCount(ctx, userID)
	if err != nil {
		return ackErr(err)
	}
	c.Emit(EventUnreadCount, map[string]int64{"count": count})
	return ackOK("").with("count", count)
}

// refreshCount pushes the current unread count to every device of the user.
func (g *NotificationGateway) refreshCount(ctx context.Context, userID string) {
	count, err := g.svc.GetUnreadCount(ctx, userID)
	if err != nil {
		g.log.Warn("unread_count_failed", "user_id", userID, "error", err)
		return
	}
	g.hub.EmitTo(userRoom(userID), EventUnreadCount, map[string]int64{"count": count})
}

// Dispatch implements notification.Dispatcher. It is accepted when at least
// one device of the recipient received the frame.
func (g *NotificationGateway) Dispatch(ctx context.Context, n models.Notification) notification.Delivery {
	delivered := g.SendNotificationToUser(ctx, n.UserID, n)
	g.emitTyped(n)
	return realtimeDelivery(delivered)
}

// DispatchBulk implements notification.BulkDispatcher.
func (g *NotificationGateway) DispatchBulk(ctx context.Context, ns []models.Notification) []notification.Delivery {
	counts := g.SendBulkNotification(ctx, ns)
	out := make([]notification.Delivery, len(ns))
	for i, n := range ns {
		g.emitTyped(n)
		out[i] = realtimeDelivery(counts[i])
	}
	return out
}

func realtimeDelivery(delivered int) notification.Delivery {
	return notification.Delivery{
		Channel:  notification.ChannelRealtime,
		Accepted: delivered > 0,
		Response: fmt.Sprintf("delivered to %d connection(s)", delivered),
	}
}

// emitTyped sends the category and ride lifecycle events that accompany n.
func (g *NotificationGateway) emitTyped(n models.Notification) {
	switch {
	case n.Type == models.NotificationSystemUpdate:
		g.SendSystemNotification([]string{n.UserID}, n.Message, n.Data)
	case n.RelatedPaymentID != "":
		g.SendPaymentNotification(n.UserID, n.Type, n.Data)
	case n.RelatedRideID != "":
		g.SendRideNotification(n.UserID, n.Type, n.Data)
	}

	payload := map[string]any{"notificationId": n.ID, "rideId": n.RelatedRideID, "title": n.Title, "message": n.Message, "data": n.Data}
	switch n.Type {
	case models.NotificationRideRequest:
		g.EmitRideRequest(n.UserID, payload)
	case models.NotificationRideAccepted:
		g.EmitRideAccepted(n.UserID, payload)
	case models.NotificationRideStarted:
		g.EmitRideStarted(n.UserID, payload)
	case models.NotificationRideCompleted:
		g.EmitRideCompleted(n.UserID, payload)
	case models.NotificationDriverArrived:
		g.EmitDriverArrived(n.UserID, payload)
	}
}

// SendNotificationToUser pushes n to the user's devices and refreshes their
// unread count. It returns the number of devices reached.
func (g *NotificationGateway) SendNotificationToUser(ctx context.Context, userID string, n any) int {
	delivered := g.hub.EmitTo(userRoom(userID), EventNotificationNew, n)
	if delivered > 0 {
		g.refreshCount(ctx, userID)
	}
	return delivered
}

// SendBulkNotification delivers each record to its recipient's devices and
// returns the per-record device counts.
func (g *NotificationGateway) SendBulkNotification(ctx context.Context, ns []models.Notification) []int {
	counts := make([]int, len(ns))
	for i, n := range ns {
		counts[i] = g.SendNotificationToUser(ctx, n.UserID, n)
	}
	return counts
}

func (g *NotificationGateway) SendRideNotification(userID string, typ models.NotificationType, data any) {
	g.hub.EmitTo(userRoom(userID), EventNotificationRide, g.typed(typ, data))
}

func (g *NotificationGateway) SendPaymentNotification(userID string, typ models.NotificationType, data any) {
	g.hub.EmitTo(userRoom(userID), EventNotificationPay, g.typed(typ, data))
}

func (g *NotificationGateway) SendSystemNotification(userIDs []string, message string, data any) {
	payload := map[string]any{
		"type": models.NotificationSystemUpdate, "message": message, "data": data, "timestamp": g.now(),
	}
	for _, id := range userIDs {
		g.hub.EmitTo(userRoom(id), EventNotificationSys, payload)
	}
}

func (g *NotificationGateway) EmitRideRequest(driverID string, data any) {
	g.hub.EmitTo(userRoom(driverID), EventRideRequest, data)
}

func (g *NotificationGateway) EmitRideAccepted(customerID string, data any) {
	g.hub.EmitTo(userRoom(customerID), EventRideAccepted, data)
}

func (g *NotificationGateway) EmitRideStarted(customerID string, data any) {
	g.hub.EmitTo(userRoom(customerID), EventRideStarted, data)
}

func (g *NotificationGateway) EmitRideCompleted(userID string, data any) {
	g.hub.EmitTo(userRoom(userID), EventRideCompleted, data)
}

func (g *NotificationGateway) EmitDriverArrived(customerID string, data any) {
	g.hub.EmitTo(userRoom(customerID), EventDriverArrived, data)
}

func (g *NotificationGateway) typed(typ models.NotificationType, data any) map[string]any {
	return map[string]any{"type": typ, "data": data, "timestamp": g.now()}
}

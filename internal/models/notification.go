package models

import (
	"fmt"
	"time"
)

type NotificationType string

const (
	NotificationRideRequest          NotificationType = "ride_request"
	NotificationRideAccepted         NotificationType = "ride_accepted"
	NotificationRideRejected         NotificationType = "ride_rejected"
	NotificationRideStarted          NotificationType = "ride_started"
	NotificationRideCompleted        NotificationType = "ride_completed"
	NotificationRideCancelled        NotificationType = "ride_cancelled"
	NotificationDriverArrived        NotificationType = "driver_arrived"
	NotificationPaymentProcessed     NotificationType = "payment_processed"
	NotificationPaymentFailed        NotificationType = "payment_failed"
	NotificationRatingRequest        NotificationType = "rating_request"
	NotificationPromotion            NotificationType = "promotion"
	NotificationSystemUpdate         NotificationType = "system_update"
	NotificationCommissionPaid       NotificationType = "commission_paid"
	NotificationDocumentVerification NotificationType = "document_verification"
)

var notificationTypes = map[NotificationType]struct{}{
	NotificationRideRequest: {}, NotificationRideAccepted: {}, NotificationRideRejected: {},
	NotificationRideStarted: {}, NotificationRideCompleted: {}, NotificationRideCancelled: {},
	NotificationDriverArrived: {}, NotificationPaymentProcessed: {}, NotificationPaymentFailed: {},
	NotificationRatingRequest: {}, NotificationPromotion: {}, NotificationSystemUpdate: {},
	NotificationCommissionPaid: {}, NotificationDocumentVerification: {},
}

func (t NotificationType) Valid() bool {
	_, ok := notificationTypes[t]
	return ok
}

type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityMedium NotificationPriority = "medium"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

func (p NotificationPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationRead      NotificationStatus = "read"
	NotificationFailed    NotificationStatus = "failed"
)

var statusRank = map[NotificationStatus]int{
	NotificationPending:   0,
	NotificationSent:      1,
	NotificationDelivered: 2,
	NotificationRead:      3,
}

func (s NotificationStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == NotificationFailed
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle
// monotonic. Failed is reachable from any non-read state and never left.
func (s NotificationStatus) CanTransitionTo(next NotificationStatus) bool {
	if s == NotificationFailed || !next.Valid() {
		return false
	}
	if next == NotificationFailed {
		return s != NotificationRead
	}
	return statusRank[next] > statusRank[s]
}

// Notification is a message addressed to a single user.
type Notification struct {
	ID               string               `json:"id"`
	UserID           string               `json:"userId"`
	Type             NotificationType     `json:"type"`
	Title            string               `json:"title"`
	Message          string               `json:"message"`
	Priority         NotificationPriority `json:"priority"`
	Status           NotificationStatus   `json:"status"`
	Data             map[string]any       `json:"data,omitempty"`
	RelatedRideID    string               `json:"relatedRideId,omitempty"`
	RelatedPaymentID string               `json:"relatedPaymentId,omitempty"`
	ImageURL         string               `json:"imageUrl,omitempty"`
	ActionURL        string               `json:"actionUrl,omitempty"`
	ExpiresAt        *time.Time           `json:"expiresAt,omitempty"`
	ReadAt           *time.Time           `json:"readAt,omitempty"`
	SentAt           *time.Time           `json:"sentAt,omitempty"`
	DeliveredAt      *time.Time           `json:"deliveredAt,omitempty"`
	IsPushSent       bool                 `json:"isPushSent"`
	IsEmailSent      bool                 `json:"isEmailSent"`
	IsSMSSent        bool                 `json:"isSmsSent"`
	PushResponse     string               `json:"pushResponse,omitempty"`
	EmailResponse    string               `json:"emailResponse,omitempty"`
	SMSResponse      string               `json:"smsResponse,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// Transition moves n to next and stamps the matching timestamp the first time
// the state is entered. Re-entering the current state is a no-op.
func (n *Notification) Transition(next NotificationStatus, now time.Time) error {
	if n.Status == next {
		return nil
	}
	if !n.Status.CanTransitionTo(next) {
		return fmt.Errorf("notification %s: cannot move from %s to %s", n.ID, n.Status, next)
	}
	n.Status = next
	n.UpdatedAt = now
	switch next {
	case NotificationSent:
		stampOnce(&n.SentAt, now)
	case NotificationDelivered:
		stampOnce(&n.DeliveredAt, now)
	case NotificationRead:
		stampOnce(&n.ReadAt, now)
	}
	return nil
}

// Unread reports whether the notification still counts toward the unread badge.
func (n *Notification) Unread() bool {
	return n.Status != NotificationRead && n.Status != NotificationFailed
}

func stampOnce(dst **time.Time, now time.Time) {
	if *dst == nil {
		t := now
		*dst = &t
	}
}

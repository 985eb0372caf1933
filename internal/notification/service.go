package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/storage"
	"github.com/example/ride-tracking/internal/validation"
)

const (
	DefaultPage          = 1
	DefaultPageSize      = 20
	MaxPageSize          = 100
	DefaultOlderThanDays = 30

	maxWriteAttempts = 3
)

// Channel names reported by dispatchers.
const (
	ChannelRealtime = "realtime"
	ChannelPush     = "push"
)

// Delivery is the outcome of handing a notification to one channel.
type Delivery struct {
	Channel  string
	Accepted bool
	Response string
}

// Dispatcher delivers a freshly created notification over one channel.
// Implementations must not block for long; failures are reported, not retried.
type Dispatcher interface {
	Dispatch(ctx context.Context, n models.Notification) Delivery
}

// BulkDispatcher is implemented by channels that deliver a batch in one pass.
// The returned slice is aligned with ns.
type BulkDispatcher interface {
	DispatchBulk(ctx context.Context, ns []models.Notification) []Delivery
}

// PaymentLookup returns display data for a payment reference.
type PaymentLookup interface {
	PaymentSummary(ctx context.Context, paymentID string) (map[string]any, error)
}

type CreateInput struct {
	UserID           string                      `json:"userId" validate:"required"`
	Type             models.NotificationType     `json:"type" validate:"required"`
	Title            string                      `json:"title" validate:"required"`
	Message          string                      `json:"message" validate:"required"`
	Priority         models.NotificationPriority `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	Data             map[string]any              `json:"data,omitempty"`
	RelatedRideID    string                      `json:"relatedRideId,omitempty"`
	RelatedPaymentID string                      `json:"relatedPaymentId,omitempty"`
	ImageURL         string                      `json:"imageUrl,omitempty" validate:"omitempty,url"`
	ActionURL        string                      `json:"actionUrl,omitempty"`
	ExpiresAt        *time.Time                  `json:"expiresAt,omitempty"`
}

// UpdateInput is a partial update; nil fields are left unchanged.
type UpdateInput struct {
	Title         *string                      `json:"title,omitempty" validate:"omitempty,min=1"`
	Message       *string                      `json:"message,omitempty" validate:"omitempty,min=1"`
	Priority      *models.NotificationPriority `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	Status        *models.NotificationStatus   `json:"status,omitempty" validate:"omitempty,oneof=pending sent delivered read failed"`
	Data          map[string]any               `json:"data,omitempty"`
	ImageURL      *string                      `json:"imageUrl,omitempty" validate:"omitempty,url"`
	ActionURL     *string                      `json:"actionUrl,omitempty"`
	ExpiresAt     *time.Time                   `json:"expiresAt,omitempty"`
	IsPushSent    *bool                        `json:"isPushSent,omitempty"`
	IsEmailSent   *bool                        `json:"isEmailSent,omitempty"`
	IsSMSSent     *bool                        `json:"isSmsSent,omitempty"`
	PushResponse  *string                      `json:"pushResponse,omitempty"`
	EmailResponse *string                      `json:"emailResponse,omitempty"`
	SMSResponse   *string                      `json:"smsResponse,omitempty"`
}

type RideNotificationInput struct {
	UserID  string                  `json:"userId" validate:"required"`
	Type    models.NotificationType `json:"type" validate:"required"`
	Title   string                  `json:"title" validate:"required"`
	Message string                  `json:"message" validate:"required"`
	RideID  string                  `json:"rideId,omitempty"`
	Data    map[string]any          `json:"data,omitempty"`
}

type PaymentNotificationInput struct {
	UserID    string                  `json:"userId" validate:"required"`
	Type      models.NotificationType `json:"type" validate:"required"`
	Title     string                  `json:"title" validate:"required"`
	Message   string                  `json:"message" validate:"required"`
	PaymentID string                  `json:"paymentId,omitempty"`
	Data      map[string]any          `json:"data,omitempty"`
}

type BulkInput struct {
	UserIDs []string                `json:"userIds" validate:"required,min=1,dive,required"`
	Type    models.NotificationType `json:"type" validate:"required"`
	Title   string                  `json:"title" validate:"required"`
	Message string                  `json:"message" validate:"required"`
	Data    map[string]any          `json:"data,omitempty"`
}

// UserPage is one page of a user's notifications plus counters over all of them.
type UserPage struct {
	Notifications []models.Notification `json:"notifications"`
	Total         int64                 `json:"total"`
	UnreadCount   int64                 `json:"unreadCount"`
	Page          int                   `json:"page"`
	Limit         int                   `json:"limit"`
}

type Options struct {
	Payments PaymentLookup
	Logger   *slog.Logger
	Now      func() time.Time
}

type Service struct {
	store       storage.NotificationStore
	payments    PaymentLookup
	dispatchers []Dispatcher
	log         *slog.Logger
	now         func() time.Time
}

func NewService(store storage.NotificationStore, opts Options) *Service {
	s := &Service{store: store, payments: opts.Payments, log: opts.Logger, now: opts.Now}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// AddDispatcher registers a delivery channel. It must be called before the
// service starts serving requests.
func (s *Service) AddDispatcher(d Dispatcher) {
	s.dispatchers = append(s.dispatchers, d)
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Notification, error) {
	n, err := s.build(in)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, n); err != nil {
		return nil, storeErr(err, "create notification")
	}
	observability.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()
	return s.dispatch(ctx, n), nil
}

func (s *Service) build(in CreateInput) (*models.Notification, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if !in.Type.Valid() {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "unknown notification type %q", in.Type)
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	}
	now := s.now()
	return &models.Notification{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		Type:             in.Type,
		Title:            in.Title,
		Message:          in.Message,
		Priority:         in.Priority,
		Status:           models.NotificationPending,
		Data:             in.Data,
		RelatedRideID:    in.RelatedRideID,
		RelatedPaymentID: in.RelatedPaymentID,
		ImageURL:         in.ImageURL,
		ActionURL:        in.ActionURL,
		ExpiresAt:        in.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// dispatch hands n to every channel and records the outcome. Dispatch
// failures never fail the create; the stored record is returned either way.
func (s *Service) dispatch(ctx context.Context, n *models.Notification) *models.Notification {
	return &s.dispatchBatch(ctx, []*models.Notification{n})[0]
}

func (s *Service) dispatchBatch(ctx context.Context, batch []*models.Notification) []models.Notification {
	out := make([]models.Notification, len(batch))
	for i, n := range batch {
		out[i] = *n
	}
	if len(s.dispatchers) == 0 {
		return out
	}

	// deliveries[i] holds every channel's result for batch[i]
	deliveries := make([][]Delivery, len(batch))
	for _, d := range s.dispatchers {
		if bd, ok := d.(BulkDispatcher); ok && len(batch) > 1 {
			for i, res := range bd.DispatchBulk(ctx, out) {
				deliveries[i] = append(deliveries[i], res)
			}
			continue
		}
		for i := range out {
			deliveries[i] = append(deliveries[i], d.Dispatch(ctx, out[i]))
		}
	}

	for i, n := range batch {
		if updated := s.recordDeliveries(ctx, n, deliveries[i]); updated != nil {
			out[i] = *updated
		}
	}
	return out
}

func (s *Service) recordDeliveries(ctx context.Context, n *models.Notification, deliveries []Delivery) *models.Notification {
	accepted := false
	for _, res := range deliveries {
		outcome := "rejected"
		if res.Accepted {
			outcome = "accepted"
			accepted = true
		}
		observability.NotificationDispatch.WithLabelValues(res.Channel, outcome).Inc()
	}

	updated, err := s.mutate(ctx, n.ID, func(cur *models.Notification) error {
		for _, res := range deliveries {
			if res.Channel == ChannelPush {
				cur.IsPushSent = res.Accepted
				cur.PushResponse = res.Response
			}
		}
		if accepted && cur.Status == models.NotificationPending {
			return cur.Transition(models.NotificationSent, s.now())
		}
		cur.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		s.log.Warn("notification_dispatch_record_failed", "notification_id", n.ID, "error", err)
		return nil
	}
	return updated
}

// FindAll returns every notification, newest first.
func (s *Service) FindAll(ctx context.Context) ([]models.Notification, error) {
	out, err := s.store.List(ctx, storage.NotificationFilter{})
	if err != nil {
		return nil, storeErr(err, "list notifications")
	}
	return out, nil
}

// FindByUser pages through a user's notifications. Page is 1-based.
func (s *Service) FindByUser(ctx context.Context, userID string, page, limit int) (*UserPage, error) {
	if page == 0 {
		page = DefaultPage
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	if page < 1 || limit < 1 || limit > MaxPageSize {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "page must be >= 1 and limit within [1,%d]", MaxPageSize)
	}
	items, err := s.store.List(ctx, storage.NotificationFilter{UserID: userID, Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		return nil, storeErr(err, "list notifications")
	}
	total, err := s.store.Count(ctx, userID, false)
	if err != nil {
		return nil, storeErr(err, "count notifications")
	}
	unread, err := s.store.Count(ctx, userID, true)
	if err != nil {
		return nil, storeErr(err, "count unread notifications")
	}
	return &UserPage{Notifications: items, Total: total, UnreadCount: unread, Page: page, Limit: limit}, nil
}

func (s *Service) FindOne(ctx context.Context, id string) (*models.Notification, error) {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr(err, "notification "+id)
	}
	return n, nil
}

// FindByType lists notifications of one type, optionally for one user.
func (s *Service) FindByType(ctx context.Context, typ models.NotificationType, userID string) ([]models.Notification, error) {
	if !typ.Valid() {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "unknown notification type %q", typ)
	}
	out, err := s.store.List(ctx, storage.NotificationFilter{UserID: userID, Type: typ})
	if err != nil {
		return nil, storeErr(err, "list notifications")
	}
	return out, nil
}

// Update applies a partial update. Status changes obey the lifecycle rules.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*models.Notification, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(n *models.Notification) error {
		now := s.now()
		if in.Status != nil {
			if err := n.Transition(*in.Status, now); err != nil {
				return err
			}
		}
		if in.Title != nil {
			n.Title = *in.Title
		}
		if in.Message != nil {
			n.Message = *in.Message
		}
		if in.Priority != nil {
			n.Priority = *in.Priority
		}
		if in.Data != nil {
			n.Data = in.Data
		}
		if in.ImageURL != nil {
			n.ImageURL = *in.ImageURL
		}
		if in.ActionURL != nil {
			n.ActionURL = *in.ActionURL
		}
		if in.ExpiresAt != nil {
			n.ExpiresAt = in.ExpiresAt
		}
		setBool(&n.IsPushSent, in.IsPushSent)
		setBool(&n.IsEmailSent, in.IsEmailSent)
		setBool(&n.IsSMSSent, in.IsSMSSent)
		setString(&n.PushResponse, in.PushResponse)
		setString(&n.EmailResponse, in.EmailResponse)
		setString(&n.SMSResponse, in.SMSResponse)
		n.UpdatedAt = now
		return nil
	})
}

func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return storeErr(err, "notification "+id)
	}
	return nil
}

func (s *Service) RemoveByUser(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, storeErr(err, "delete user notifications")
	}
	return n, nil
}

// GetUnreadCount counts notifications that are neither read nor failed.
func (s *Service) GetUnreadCount(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.Count(ctx, userID, true)
	if err != nil {
		return 0, storeErr(err, "count unread notifications")
	}
	return n, nil
}

func (s *Service) MarkAsRead(ctx context.Context, id string) (*models.Notification, error) {
	return s.mutate(ctx, id, func(n *models.Notification) error {
		return n.Transition(models.NotificationRead, s.now())
	})
}

func (s *Service) MarkAsDelivered(ctx context.Context, id string) (*models.Notification, error) {
	return s.mutate(ctx, id, func(n *models.Notification) error {
		return n.Transition(models.NotificationDelivered, s.now())
	})
}

// MarkAllAsRead reads every unread notification of the user and returns how
// many changed. Failed notifications stay failed.
func (s *Service) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.MarkAllRead(ctx, userID, s.now())
	if err != nil {
		return 0, storeErr(err, "mark all read")
	}
	return n, nil
}

func (s *Service) SendRideNotification(ctx context.Context, in RideNotificationInput) (*models.Notification, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	return s.Create(ctx, CreateInput{
		UserID: in.UserID, Type: in.Type, Title: in.Title, Message: in.Message,
		RelatedRideID: in.RideID, Data: in.Data,
	})
}

// SendPaymentNotification creates a payment notification, attaching the
// payment summary when a lookup is configured. Lookup failures are logged.
func (s *Service) SendPaymentNotification(ctx context.Context, in PaymentNotificationInput) (*models.Notification, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	data := in.Data
	if s.payments != nil && in.PaymentID != "" {
		summary, err := s.payments.PaymentSummary(ctx, in.PaymentID)
		if err != nil {
			s.log.Warn("payment_lookup_failed", "payment_id", in.PaymentID, "error", err)
		} else if len(summary) > 0 {
			merged := make(map[string]any, len(data)+1)
			for k, v := range data {
				merged[k] = v
			}
			merged["payment"] = summary
			data = merged
		}
	}
	return s.Create(ctx, CreateInput{
		UserID: in.UserID, Type: in.Type, Title: in.Title, Message: in.Message,
		RelatedPaymentID: in.PaymentID, Data: data,
	})
}

// SendBulkNotification creates one record per recipient in a single write,
// then dispatches the batch.
func (s *Service) SendBulkNotification(ctx context.Context, in BulkInput) ([]models.Notification, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	batch := make([]*models.Notification, 0, len(in.UserIDs))
	for _, uid := range in.UserIDs {
		n, err := s.build(CreateInput{UserID: uid, Type: in.Type, Title: in.Title, Message: in.Message, Data: copyData(in.Data)})
		if err != nil {
			return nil, err
		}
		batch = append(batch, n)
	}
	if err := s.store.CreateMany(ctx, batch); err != nil {
		return nil, storeErr(err, "bulk create notifications")
	}
	observability.NotificationsCreated.WithLabelValues(string(in.Type)).Add(float64(len(batch)))

	return s.dispatchBatch(ctx, batch), nil
}

func (s *Service) CleanupExpiredNotifications(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, storeErr(err, "delete expired notifications")
	}
	return n, nil
}

// CleanupOldNotifications deletes read notifications created more than
// daysOld days ago. Zero selects the default of 30 days.
func (s *Service) CleanupOldNotifications(ctx context.Context, daysOld int) (int64, error) {
	if daysOld == 0 {
		daysOld = DefaultOlderThanDays
	}
	if daysOld < 0 {
		return 0, apperr.New(apperr.CodeInvalidArgument, "days must be positive")
	}
	n, err := s.store.DeleteReadBefore(ctx, s.now().AddDate(0, 0, -daysOld))
	if err != nil {
		return 0, storeErr(err, "delete old notifications")
	}
	return n, nil
}

// mutate applies fn to the current record and writes it back with a
// compare-on-status guard, retrying when a concurrent writer wins.
func (s *Service) mutate(ctx context.Context, id string, fn func(*models.Notification) error) (*models.Notification, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		n, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, storeErr(err, "notification "+id)
		}
		prev := n.Status
		if err := fn(n); err != nil {
			return nil, apperr.New(apperr.CodeInvalidArgument, err.Error())
		}
		err = s.store.Replace(ctx, n, prev)
		if errors.Is(err, storage.ErrStale) {
			continue
		}
		if err != nil {
			return nil, storeErr(err, "notification "+id)
		}
		return n, nil
	}
	return nil, apperr.Newf(apperr.CodeUpstream, "notification %s kept changing, giving up", id)
}

func storeErr(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, err, what+" not found")
	}
	return apperr.Wrap(apperr.CodeUpstream, err, what)
}

func copyData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

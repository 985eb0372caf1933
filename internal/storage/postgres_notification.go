package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

const notificationColumns = `id, user_id, type, title, message, priority, status, data, related_ride_id,
	related_payment_id, image_url, action_url, expires_at, read_at, sent_at, delivered_at, is_push_sent,
	is_email_sent, is_sms_sent, push_response, email_response, sms_response, created_at, updated_at`

const insertNotification = `INSERT INTO notifications (` + notificationColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`

type PostgresNotificationStore struct {
	db *sql.DB
}

func NewPostgresNotificationStore(db *sql.DB) *PostgresNotificationStore {
	return &PostgresNotificationStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresNotificationStore) Create(ctx context.Context, n *models.Notification) error {
	return insertOne(ctx, p.db, n)
}

// CreateMany inserts all records in one transaction.
func (p *PostgresNotificationStore) CreateMany(ctx context.Context, ns []*models.Notification) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk insert: %w", err)
	}
	for _, n := range ns {
		if err := insertOne(ctx, tx, n); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func insertOne(ctx context.Context, db execer, n *models.Notification) error {
	args, err := notificationArgs(n)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, insertNotification, args...); err != nil {
		return fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	return nil
}

func (p *PostgresNotificationStore) Get(ctx context.Context, id string) (*models.Notification, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %s: %w", id, err)
	}
	return n, nil
}

func (p *PostgresNotificationStore) List(ctx context.Context, f NotificationFilter) ([]models.Notification, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	q := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	out := make([]models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (p *PostgresNotificationStore) Count(ctx context.Context, userID string, unreadOnly bool) (int64, error) {
	q := `SELECT COUNT(*) FROM notifications WHERE user_id = $1`
	if unreadOnly {
		q += ` AND status NOT IN ('read', 'failed')`
	}
	var c int64
	if err := p.db.QueryRowContext(ctx, q, userID).Scan(&c); err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return c, nil
}

func (p *PostgresNotificationStore) Replace(ctx context.Context, n *models.Notification, prev models.NotificationStatus) error {
	args, err := notificationArgs(n)
	if err != nil {
		return err
	}
	args = append(args, string(prev))
	res, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET user_id = $2, type = $3, title = $4, message = $5, priority = $6, status = $7,
			data = $8, related_ride_id = $9, related_payment_id = $10, image_url = $11, action_url = $12,
			expires_at = $13, read_at = $14, sent_at = $15, delivered_at = $16, is_push_sent = $17,
			is_email_sent = $18, is_sms_sent = $19, push_response = $20, email_response = $21,
			sms_response = $22, created_at = $23, updated_at = $24
		WHERE id = $1 AND status = $25`, args...)
	if err != nil {
		return fmt.Errorf("replace notification %s: %w", n.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := p.Get(ctx, n.ID); err != nil {
		return err
	}
	return ErrStale
}

func (p *PostgresNotificationStore) MarkAllRead(ctx context.Context, userID string, now time.Time) (int64, error) {
	return p.exec(ctx, `
		UPDATE notifications SET status = 'read', read_at = COALESCE(read_at, $2), updated_at = $2
		WHERE user_id = $1 AND status NOT IN ('read', 'failed')`, userID, now)
}

func (p *PostgresNotificationStore) Delete(ctx context.Context, id string) error {
	n, err := p.exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresNotificationStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	return p.exec(ctx, `DELETE FROM notifications WHERE user_id = $1`, userID)
}

func (p *PostgresNotificationStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return p.exec(ctx, `DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
}

func (p *PostgresNotificationStore) DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return p.exec(ctx, `DELETE FROM notifications WHERE status = 'read' AND created_at < $1`, cutoff)
}

func (p *PostgresNotificationStore) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("notifications exec: %w", err)
	}
	return res.RowsAffected()
}

func notificationArgs(n *models.Notification) ([]any, error) {
	var data sql.NullString
	if n.Data != nil {
		b, err := json.Marshal(n.Data)
		if err != nil {
			return nil, fmt.Errorf("encode notification data: %w", err)
		}
		data = nullString(string(b))
	}
	return []any{
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, string(n.Priority), string(n.Status), data,
		nullString(n.RelatedRideID), nullString(n.RelatedPaymentID), nullString(n.ImageURL), nullString(n.ActionURL),
		nullTime(n.ExpiresAt), nullTime(n.ReadAt), nullTime(n.SentAt), nullTime(n.DeliveredAt),
		n.IsPushSent, n.IsEmailSent, n.IsSMSSent,
		nullString(n.PushResponse), nullString(n.EmailResponse), nullString(n.SMSResponse),
		n.CreatedAt, n.UpdatedAt,
	}, nil
}

func scanNotification(s rowScanner) (*models.Notification, error) {
	var (
		n                                      models.Notification
		typ, priority, status                  string
		data                                   []byte
		ride, payment, image, action           sql.NullString
		pushResp, emailResp, smsResp           sql.NullString
		expiresAt, readAt, sentAt, deliveredAt sql.NullTime
	)
	if err := s.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &priority, &status, &data, &ride, &payment,
		&image, &action, &expiresAt, &readAt, &sentAt, &deliveredAt, &n.IsPushSent, &n.IsEmailSent, &n.IsSMSSent,
		&pushResp, &emailResp, &smsResp, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Type = models.NotificationType(typ)
	n.Priority = models.NotificationPriority(priority)
	n.Status = models.NotificationStatus(status)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("decode notification data: %w", err)
		}
	}
	n.RelatedRideID = ride.String
	n.RelatedPaymentID = payment.String
	n.ImageURL = image.String
	n.ActionURL = action.String
	n.PushResponse = pushResp.String
	n.EmailResponse = emailResp.String
	n.SMSResponse = smsResp.String
	n.ExpiresAt = timePtr(expiresAt)
	n.ReadAt = timePtr(readAt)
	n.SentAt = timePtr(sentAt)
	n.DeliveredAt = timePtr(deliveredAt)
	return &n, nil
}

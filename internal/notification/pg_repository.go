package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db DB
}

func NewPgRepository(db DB) *PgRepository {
	return &PgRepository{db: db}
}

const notifColumns = `id, recipient_id, sender_id, type, title, message, data,
		priority, status, expires_at, created_at, updated_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var (
		n    Notification
		data []byte
	)

	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&n.SenderID,
		&n.Type,
		&n.Title,
		&n.Message,
		&data,
		&n.Priority,
		&n.Status,
		&n.ExpiresAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("decode notification data: %w", err)
		}
	}
	return &n, nil
}

func (r *PgRepository) Create(ctx context.Context, n *Notification, channels []Channel) (*Notification, error) {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return nil, fmt.Errorf("encode notification data: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin notification tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id := n.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	priority := n.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO notifications
			(id, recipient_id, sender_id, type, title, message, data, priority, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'unread', $9, now(), now())
		RETURNING `+notifColumns+`
	`, id, n.RecipientID, n.SenderID, n.Type, n.Title, n.Message, data, priority, n.ExpiresAt)

	created, err := scanNotification(row)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}

	for _, ch := range channels {
		d := Delivery{
			ID:             uuid.New(),
			NotificationID: created.ID,
			Channel:        ch,
			Status:         DeliveryPending,
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO notification_deliveries (id, notification_id, channel, status)
			VALUES ($1, $2, $3, $4)
		`, d.ID, d.NotificationID, d.Channel, d.Status)
		if err != nil {
			return nil, fmt.Errorf("insert delivery row: %w", err)
		}
		created.Deliveries = append(created.Deliveries, d)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit notification tx: %w", err)
	}
	return created, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+notifColumns+`
		FROM notifications
		WHERE id = $1
	`, id)
	return scanNotification(row)
}

func (r *PgRepository) ListByRecipient(ctx context.Context, recipientID uuid.UUID, status Status, limit, offset int) ([]Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + notifColumns + `
		FROM notifications
		WHERE recipient_id = $1`
	args := []any{recipientID}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *n)
	}
	return result, rows.Err()
}

func (r *PgRepository) ReminderExists(ctx context.Context, recipientID, appointmentID uuid.UUID, now time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notifications
			WHERE recipient_id = $1
			  AND type = 'appointment_reminder'
			  AND data->>'appointmentId' = $2
			  AND (expires_at IS NULL OR expires_at > $3)
		)
	`, recipientID, appointmentID.String(), now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check reminder dedupe key: %w", err)
	}
	return exists, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id, recipientID uuid.UUID, to Status) (*Notification, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE notifications
		SET status = $3,
		    updated_at = now()
		WHERE id = $1
		  AND recipient_id = $2
		RETURNING `+notifColumns+`
	`, id, recipientID, to)

	return scanNotification(row)
}

func (r *PgRepository) SetDeliveryResult(ctx context.Context, deliveryID uuid.UUID, status DeliveryStatus, sentAt *time.Time, errMsg *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE notification_deliveries
		SET status = $2,
		    sent_at = $3,
		    error = $4
		WHERE id = $1
	`, deliveryID, status, sentAt, errMsg)
	if err != nil {
		return fmt.Errorf("update delivery result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (r *PgRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM notifications
		WHERE expires_at IS NOT NULL
		  AND expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

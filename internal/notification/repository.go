package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
)

// Repository contains all store interactions for notifications and their
// per-channel delivery records.
type Repository interface {
	// Create persists the notification and one pending delivery row per
	// channel, in a single transaction.
	Create(ctx context.Context, n *Notification, channels []Channel) (*Notification, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListByRecipient(ctx context.Context, recipientID uuid.UUID, status Status, limit, offset int) ([]Notification, error)

	// ReminderExists reports whether a non-expired appointment_reminder
	// for (recipient, appointmentID) already exists. This is the dedupe
	// key that makes reminder dispatch idempotent.
	ReminderExists(ctx context.Context, recipientID, appointmentID uuid.UUID, now time.Time) (bool, error)

	// UpdateStatus flips unread/read/archived for the recipient's own row.
	UpdateStatus(ctx context.Context, id, recipientID uuid.UUID, to Status) (*Notification, error)

	SetDeliveryResult(ctx context.Context, deliveryID uuid.UUID, status DeliveryStatus, sentAt *time.Time, errMsg *string) error

	// DeleteExpired garbage-collects rows whose expiry has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

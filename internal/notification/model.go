package notification

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeAppointmentConfirmed   Type = "appointment_confirmed"
	TypeAppointmentReminder    Type = "appointment_reminder"
	TypeAppointmentCancelled   Type = "appointment_cancelled"
	TypeAppointmentRescheduled Type = "appointment_rescheduled"
	TypeVideoCallRequest       Type = "video_call_request"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Status string

const (
	StatusUnread   Status = "unread"
	StatusRead     Status = "read"
	StatusArchived Status = "archived"
)

type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
)

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Notification is one row per (recipient, event). Deliveries track the
// per-channel outcome; a failed channel never removes the in-app record.
type Notification struct {
	ID          uuid.UUID
	RecipientID uuid.UUID
	SenderID    *uuid.UUID
	Type        Type
	Title       string
	Message     string
	Data        map[string]any
	Priority    Priority
	Status      Status
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Deliveries []Delivery
}

type Delivery struct {
	ID             uuid.UUID
	NotificationID uuid.UUID
	Channel        Channel
	Status         DeliveryStatus
	SentAt         *time.Time
	Error          *string
}

// DataKeyAppointmentID is the payload field the reminder dedupe key is
// built on.
const DataKeyAppointmentID = "appointmentId"

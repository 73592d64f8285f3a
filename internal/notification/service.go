package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carelink/appointment-engine/internal/observability/metrics"
)

// Publisher pushes an event to the realtime layer. The engine only holds
// this capability; the wire transport lives elsewhere.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// Recipient is who a notification goes to. Email may be empty, in which
// case the email channel records a failure and the in-app record stands.
type Recipient struct {
	ID    uuid.UUID
	Name  string
	Email string
}

// New describes a notification to fan out.
type New struct {
	SenderID  *uuid.UUID
	Type      Type
	Title     string
	Message   string
	Data      map[string]any
	Priority  Priority
	ExpiresAt *time.Time
	Channels  []Channel
}

// Service persists notifications and forwards them to delivery channels.
// Persisting is the only operation whose failure propagates; channel
// failures are recorded on the delivery row and isolated per recipient.
type Service struct {
	repo      Repository
	publisher Publisher
	email     EmailSender
	metrics   *metrics.SchedulingMetrics
	log       *zap.Logger
}

func NewService(repo Repository, publisher Publisher, email EmailSender, m *metrics.SchedulingMetrics, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		email:     email,
		metrics:   m,
		log:       log,
	}
}

// Send stores the notification and attempts each requested channel.
func (s *Service) Send(ctx context.Context, rcpt Recipient, in New) (*Notification, error) {
	if in.Type == "" {
		return nil, fmt.Errorf("notification type is required")
	}
	channels := in.Channels
	if len(channels) == 0 {
		channels = []Channel{ChannelInApp}
	}

	n := &Notification{
		RecipientID: rcpt.ID,
		SenderID:    in.SenderID,
		Type:        in.Type,
		Title:       in.Title,
		Message:     in.Message,
		Data:        in.Data,
		Priority:    in.Priority,
		ExpiresAt:   in.ExpiresAt,
	}

	created, err := s.repo.Create(ctx, n, channels)
	if err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	for i := range created.Deliveries {
		d := &created.Deliveries[i]
		if err := s.deliver(ctx, rcpt, created, d.Channel); err != nil {
			s.metrics.ObserveDelivery(string(d.Channel), "failed")
			s.log.Warn("notification delivery failed",
				zap.String("notification_id", created.ID.String()),
				zap.String("channel", string(d.Channel)),
				zap.Error(err))
			msg := err.Error()
			d.Status = DeliveryFailed
			d.Error = &msg
			if updErr := s.repo.SetDeliveryResult(ctx, d.ID, DeliveryFailed, nil, &msg); updErr != nil {
				s.log.Warn("record delivery failure failed",
					zap.String("delivery_id", d.ID.String()), zap.Error(updErr))
			}
			continue
		}

		s.metrics.ObserveDelivery(string(d.Channel), "sent")
		now := time.Now()
		d.Status = DeliverySent
		d.SentAt = &now
		if updErr := s.repo.SetDeliveryResult(ctx, d.ID, DeliverySent, &now, nil); updErr != nil {
			s.log.Warn("record delivery success failed",
				zap.String("delivery_id", d.ID.String()), zap.Error(updErr))
		}
	}

	return created, nil
}

func (s *Service) deliver(ctx context.Context, rcpt Recipient, n *Notification, ch Channel) error {
	switch ch {
	case ChannelInApp:
		if s.publisher == nil {
			return fmt.Errorf("realtime publisher not configured")
		}
		topic := "user:" + rcpt.ID.String()
		return s.publisher.Publish(ctx, topic, map[string]any{
			"id":        n.ID.String(),
			"type":      n.Type,
			"title":     n.Title,
			"message":   n.Message,
			"data":      n.Data,
			"priority":  n.Priority,
			"createdAt": n.CreatedAt,
		})
	case ChannelEmail:
		if s.email == nil {
			return fmt.Errorf("email sender not configured")
		}
		if rcpt.Email == "" {
			return fmt.Errorf("recipient %s has no email address", rcpt.ID)
		}
		return s.email.Send(ctx, EmailMessage{
			To:      rcpt.Email,
			ToName:  rcpt.Name,
			Subject: n.Title,
			Body:    n.Message,
		})
	default:
		return fmt.Errorf("unknown channel %q", ch)
	}
}

// MarkRead flips the recipient's own notification to read.
func (s *Service) MarkRead(ctx context.Context, id, recipientID uuid.UUID) (*Notification, error) {
	return s.repo.UpdateStatus(ctx, id, recipientID, StatusRead)
}

// Archive hides a notification from the default listing.
func (s *Service) Archive(ctx context.Context, id, recipientID uuid.UUID) (*Notification, error) {
	return s.repo.UpdateStatus(ctx, id, recipientID, StatusArchived)
}

// List returns the recipient's notifications, optionally by status.
func (s *Service) List(ctx context.Context, recipientID uuid.UUID, status Status, limit, offset int) ([]Notification, error) {
	return s.repo.ListByRecipient(ctx, recipientID, status, limit, offset)
}

// CollectGarbage removes notifications whose expiry has passed.
func (s *Service) CollectGarbage(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, time.Now())
}

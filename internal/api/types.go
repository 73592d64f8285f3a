package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/carelink/appointment-engine/internal/appointment"
	"github.com/carelink/appointment-engine/internal/notification"
)

type CreateAppointmentRequest struct {
	PatientID string `json:"patient_id,omitempty"` // defaults to the caller for patients
	DoctorID  string `json:"doctor_id"`
	Date      string `json:"date"`       // YYYY-MM-DD
	StartTime string `json:"start_time"` // HH:MM
	EndTime   string `json:"end_time"`   // HH:MM
	Mode      string `json:"mode"`
	Status    string `json:"status,omitempty"` // scheduled unless backfilling
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason"`
}

type RescheduleAppointmentRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type RateAppointmentRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback,omitempty"`
}

type EndCallRequest struct {
	DurationSecs int    `json:"duration_secs"`
	RecordingURL string `json:"recording_url,omitempty"`
}

type VideoCallResponse struct {
	RoomID       string `json:"room_id"`
	DurationSecs int    `json:"duration_secs,omitempty"`
	RecordingURL string `json:"recording_url,omitempty"`
}

type RatingResponse struct {
	Rating   int       `json:"rating"`
	Feedback string    `json:"feedback,omitempty"`
	RatedAt  time.Time `json:"rated_at"`
}

type AppointmentResponse struct {
	ID              uuid.UUID          `json:"id"`
	PatientID       uuid.UUID          `json:"patient_id"`
	DoctorID        uuid.UUID          `json:"doctor_id"`
	Date            string             `json:"date"`
	StartTime       string             `json:"start_time"`
	EndTime         string             `json:"end_time"`
	Status          string             `json:"status"`
	Mode            string             `json:"mode"`
	RescheduledFrom *time.Time         `json:"rescheduled_from,omitempty"`
	CancelReason    *string            `json:"cancellation_reason,omitempty"`
	CancelledAt     *time.Time         `json:"cancelled_at,omitempty"`
	Rating          *RatingResponse    `json:"patient_rating,omitempty"`
	Video           *VideoCallResponse `json:"video_call_details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		DoctorID:        a.DoctorID,
		Date:            a.Date.Format("2006-01-02"),
		StartTime:       a.Slot.StartClock(),
		EndTime:         a.Slot.EndClock(),
		Status:          string(a.Status),
		Mode:            string(a.Mode),
		RescheduledFrom: a.RescheduledFrom,
		CancelReason:    a.CancellationReason,
		CancelledAt:     a.CancelledAt,
	}
	if a.Rating != nil {
		resp.Rating = &RatingResponse{
			Rating:   a.Rating.Rating,
			Feedback: a.Rating.Feedback,
			RatedAt:  a.Rating.RatedAt,
		}
	}
	if a.Video != nil {
		resp.Video = &VideoCallResponse{
			RoomID:       a.Video.RoomID,
			DurationSecs: a.Video.DurationSecs,
			RecordingURL: a.Video.RecordingURL,
		}
	}
	return resp
}

type SlotResponse struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type NotificationResponse struct {
	ID        uuid.UUID      `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Priority  string         `json:"priority"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

func toNotificationResponse(n *notification.Notification) NotificationResponse {
	return NotificationResponse{
		ID:        n.ID,
		Type:      string(n.Type),
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
		Priority:  string(n.Priority),
		Status:    string(n.Status),
		CreatedAt: n.CreatedAt,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

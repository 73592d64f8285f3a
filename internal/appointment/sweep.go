package appointment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// The reconciliation sweep corrects state drift without run-tracking.
// Both checks are idempotent: each transition is a compare-and-set on the
// originating status, so re-running over an already-settled appointment
// is a no-op, and multiple sweep instances can safely race.

// DemoteNoShows moves confirmed appointments whose start passed more than
// NoShowGrace ago to no-show. Returns how many rows it transitioned.
func (s *Service) DemoteNoShows(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.NoShowGrace)

	candidates, err := s.repo.FindNoShowCandidates(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find no-show candidates: %w", err)
	}

	demoted := 0
	for _, appt := range candidates {
		if _, err := s.repo.UpdateStatus(ctx, appt.ID, StatusConfirmed, StatusNoShow); err != nil {
			// Already settled by another writer: fine, move on.
			if errors.Is(err, ErrAppointmentNotFound) {
				continue
			}
			s.log.Warn("no-show transition failed",
				zap.String("appointment_id", appt.ID.String()), zap.Error(err))
			continue
		}
		demoted++
		s.metrics.ObserveSweep("no_show")
		s.logEvent(ctx, appt.ID, EventAppointmentNoShow, map[string]any{
			"started_at": appt.StartsAt(),
			"cutoff":     cutoff,
		})
	}
	return demoted, nil
}

// FinalizeEndedCalls completes in-progress telemedicine appointments
// whose call has a recorded duration but were never marked complete.
func (s *Service) FinalizeEndedCalls(ctx context.Context) (int, error) {
	stale, err := s.repo.FindStaleVideoCalls(ctx)
	if err != nil {
		return 0, fmt.Errorf("find stale video calls: %w", err)
	}

	finalized := 0
	for _, appt := range stale {
		if _, err := s.repo.UpdateStatus(ctx, appt.ID, StatusInProgress, StatusCompleted); err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				continue
			}
			s.log.Warn("stale call finalization failed",
				zap.String("appointment_id", appt.ID.String()), zap.Error(err))
			continue
		}
		finalized++
		s.metrics.ObserveSweep("call_finalized")
		s.logEvent(ctx, appt.ID, EventAppointmentCompleted, map[string]any{
			"reason":        "sweep_call_ended",
			"duration_secs": appt.Video.DurationSecs,
		})
	}
	return finalized, nil
}

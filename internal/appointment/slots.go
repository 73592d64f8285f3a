package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/appointment-engine/internal/config"
	"github.com/carelink/appointment-engine/internal/timerange"
)

// buildSlotGrid expands the two configured shifts into bookable
// intervals. A shift whose length is not a multiple of the slot size
// simply loses its trailing remainder.
func buildSlotGrid(wh config.WorkingHours) ([]timerange.Interval, error) {
	if wh.SlotMinutes <= 0 {
		return nil, errors.New("slot length must be positive")
	}

	shifts := [][2]string{
		{wh.MorningStart, wh.MorningEnd},
		{wh.AfternoonStart, wh.AfternoonEnd},
	}

	var grid []timerange.Interval
	for _, sh := range shifts {
		shift, err := timerange.ParseInterval(sh[0], sh[1])
		if err != nil {
			return nil, fmt.Errorf("shift %s-%s: %w", sh[0], sh[1], err)
		}
		for start := shift.Start; start+wh.SlotMinutes <= shift.End; start += wh.SlotMinutes {
			grid = append(grid, timerange.Interval{Start: start, End: start + wh.SlotMinutes})
		}
	}

	if len(grid) == 0 {
		return nil, errors.New("working hours produce no bookable slots")
	}
	return grid, nil
}

// AvailableSlots filters the fixed working-hours grid by the doctor's
// active appointments on the given date. Slots already begun count as
// unavailable when the date is today.
func (s *Service) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]timerange.Interval, error) {
	if _, err := s.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, err
	}

	active, err := s.repo.ListActiveByDoctorDate(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("list active appointments: %w", err)
	}

	now := s.now()
	free := make([]timerange.Interval, 0, len(s.slotGrid))
	for _, slot := range s.slotGrid {
		if slot.StartTime(date).Before(now) {
			continue
		}
		taken := false
		for _, a := range active {
			if a.Slot.Overlaps(slot) {
				taken = true
				break
			}
		}
		if !taken {
			free = append(free, slot)
		}
	}
	return free, nil
}

package matching

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/appointment-engine/internal/appointment"
)

type fakeDoctors struct {
	bySpecialty map[string][]appointment.Doctor
}

func (f *fakeDoctors) ListDoctors(_ context.Context, specialty string, _ int) ([]appointment.Doctor, error) {
	if specialty == "" {
		var all []appointment.Doctor
		for _, ds := range f.bySpecialty {
			all = append(all, ds...)
		}
		return all, nil
	}
	return f.bySpecialty[specialty], nil
}

func doctor(rating float64, count int) appointment.Doctor {
	return appointment.Doctor{ID: uuid.New(), RatingAverage: rating, RatingCount: count}
}

func TestRankDoctorsMapsSymptomToSpecialty(t *testing.T) {
	derm1 := doctor(4.8, 40)
	derm2 := doctor(3.9, 12)
	cardio := doctor(5.0, 100)
	src := &fakeDoctors{bySpecialty: map[string][]appointment.Doctor{
		"Dermatology": {derm2, derm1},
		"Cardiology":  {cardio},
	}}

	ranked, err := NewStaticRanker(src).RankDoctors(context.Background(), []string{"Rash"}, "", "")
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, derm1.ID, ranked[0].DoctorID)
	assert.Equal(t, derm2.ID, ranked[1].DoctorID)
}

func TestRankDoctorsUnratedLandMidList(t *testing.T) {
	top := doctor(4.5, 10)
	unrated := doctor(0, 0)
	low := doctor(1.5, 3)
	src := &fakeDoctors{bySpecialty: map[string][]appointment.Doctor{
		"Neurology": {low, unrated, top},
	}}

	ranked, err := NewStaticRanker(src).RankDoctors(context.Background(), []string{"migraine"}, "", "")
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, top.ID, ranked[0].DoctorID)
	assert.Equal(t, unrated.ID, ranked[1].DoctorID)
	assert.Equal(t, low.ID, ranked[2].DoctorID)
}

func TestRankDoctorsFallsBackToRoster(t *testing.T) {
	gp := doctor(4.0, 5)
	src := &fakeDoctors{bySpecialty: map[string][]appointment.Doctor{
		"General Practice": {gp},
	}}

	// Symptom maps to Cardiology, which has nobody on staff.
	ranked, err := NewStaticRanker(src).RankDoctors(context.Background(), []string{"chest pain"}, "", "")
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, gp.ID, ranked[0].DoctorID)
}

package matching

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/carelink/appointment-engine/internal/appointment"
)

// RankedDoctor is one entry in a ranked match list.
type RankedDoctor struct {
	DoctorID uuid.UUID `json:"doctorId"`
	Score    float64   `json:"score"`
}

// Ranker is the symptom-matching collaborator. The scheduling engine
// consumes it as a pure function; scoring internals are not its concern.
type Ranker interface {
	RankDoctors(ctx context.Context, symptoms []string, location string, urgency string) ([]RankedDoctor, error)
}

// DoctorSource lists doctors for ranking. appointment.Repository
// satisfies it.
type DoctorSource interface {
	ListDoctors(ctx context.Context, specialty string, limit int) ([]appointment.Doctor, error)
}

// StaticRanker maps symptom keywords to specialties and orders by the
// doctor rating aggregate. A stand-in until a real matching service is
// plugged behind the Ranker interface.
type StaticRanker struct {
	doctors DoctorSource
}

func NewStaticRanker(doctors DoctorSource) *StaticRanker {
	return &StaticRanker{doctors: doctors}
}

var symptomSpecialties = map[string]string{
	"rash":        "Dermatology",
	"acne":        "Dermatology",
	"chest pain":  "Cardiology",
	"palpitation": "Cardiology",
	"headache":    "Neurology",
	"migraine":    "Neurology",
	"anxiety":     "Psychiatry",
	"fever":       "General Practice",
	"cough":       "General Practice",
}

func (r *StaticRanker) RankDoctors(ctx context.Context, symptoms []string, location string, urgency string) ([]RankedDoctor, error) {
	specialty := ""
	for _, s := range symptoms {
		if sp, ok := symptomSpecialties[strings.ToLower(strings.TrimSpace(s))]; ok {
			specialty = sp
			break
		}
	}

	doctors, err := r.doctors.ListDoctors(ctx, specialty, 20)
	if err != nil {
		return nil, err
	}
	if len(doctors) == 0 && specialty != "" {
		// No match in the specialty; fall back to the full roster.
		doctors, err = r.doctors.ListDoctors(ctx, "", 20)
		if err != nil {
			return nil, err
		}
	}

	ranked := make([]RankedDoctor, 0, len(doctors))
	for _, d := range doctors {
		score := d.RatingAverage
		if d.RatingCount == 0 {
			score = 2.5 // unrated doctors land mid-list
		}
		if urgency == "high" {
			score += 0.5
		}
		ranked = append(ranked, RankedDoctor{DoctorID: d.ID, Score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked, nil
}

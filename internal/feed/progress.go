package feed

import (
	"context"
	"math"
)

// Goal is a challenge target.
type Goal struct {
	DistanceKm float64
	Activities int64
}

// DefaultGoal is the marathon-distance challenge with 21 logged sessions.
var DefaultGoal = Goal{DistanceKm: 42.2, Activities: 21}

// Progress compares a user's totals with a goal. Fractions are clamped to [0, 1].
type Progress struct {
	TotalDistance         float64
	TotalLoggedActivities int64
	DistanceFraction      float64
	ActivityFraction      float64
	Completed             bool
}

// Progress reports userID's standing against goal.
func (r *Reader) Progress(ctx context.Context, userID string, goal Goal) (Progress, error) {
	agg, err := r.Aggregate(ctx, userID)
	if err != nil {
		return Progress{}, err
	}

	p := Progress{
		TotalDistance:         agg.TotalDistance,
		TotalLoggedActivities: agg.TotalLoggedActivities,
		DistanceFraction:      fraction(agg.TotalDistance, goal.DistanceKm),
		ActivityFraction:      fraction(float64(agg.TotalLoggedActivities), float64(goal.Activities)),
	}
	p.Completed = p.DistanceFraction >= 1 && p.ActivityFraction >= 1
	return p, nil
}

func fraction(value, target float64) float64 {
	if target <= 0 {
		return 1
	}
	return math.Max(0, math.Min(1, value/target))
}

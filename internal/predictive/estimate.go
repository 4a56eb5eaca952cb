// Package predictive estimates where a vehicle should be from its trip
// schedule and blends that estimate with the GPS fix.
package predictive

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/mini-rodalies-3d/tracker/internal/geometry"
)

// StopTime is one scheduled call of a trip.
type StopTime struct {
	TripID           string
	StopID           string
	StopName         string
	Point            orb.Point // [lng, lat]
	Sequence         int
	ArrivalSeconds   int // seconds since service-day midnight, may exceed 86400
	DepartureSeconds int
}

// Estimate is a schedule-derived position.
type Estimate struct {
	Point      orb.Point
	Bearing    float64
	PrevStopID string
	NextStopID string
	Progress   float64
	Confidence float64
}

const (
	// Segments up to this long keep full confidence.
	confidentSegment = 5 * 60
	// Confidence lost per minute of segment beyond confidentSegment.
	confidenceDecayPerMinute = 0.05
	minConfidence            = 0.1
	maxConfidence            = 0.95
)

// SecondsSinceMidnight returns the seconds elapsed since local midnight of t.
func SecondsSinceMidnight(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

// EstimateAt returns where the trip should be at currentSeconds given a delay
// in seconds (positive = late). It returns false when the trip has finished
// or has fewer than two stops.
func EstimateAt(stopTimes []StopTime, currentSeconds, delaySeconds int) (Estimate, bool) {
	if len(stopTimes) < 2 {
		return Estimate{}, false
	}
	scheduled := currentSeconds - delaySeconds

	// Not departed yet: at the origin.
	if scheduled < stopTimes[0].DepartureSeconds {
		first, second := stopTimes[0], stopTimes[1]
		return Estimate{
			Point:      first.Point,
			Bearing:    geometry.BearingBetween(first.Point, second.Point),
			PrevStopID: first.StopID,
			NextStopID: second.StopID,
			Confidence: maxConfidence,
		}, true
	}

	for i := 0; i < len(stopTimes)-1; i++ {
		prev, next := stopTimes[i], stopTimes[i+1]

		// Dwelling at prev.
		if scheduled >= prev.ArrivalSeconds && scheduled < prev.DepartureSeconds {
			return Estimate{
				Point:      prev.Point,
				Bearing:    geometry.BearingBetween(prev.Point, next.Point),
				PrevStopID: prev.StopID,
				NextStopID: next.StopID,
				Confidence: maxConfidence,
			}, true
		}

		if scheduled >= prev.DepartureSeconds && scheduled <= next.ArrivalSeconds {
			duration := next.ArrivalSeconds - prev.DepartureSeconds
			progress := 0.5
			if duration > 0 {
				progress = geometry.Clamp(float64(scheduled-prev.DepartureSeconds)/float64(duration), 0, 1)
			}
			return Estimate{
				Point:      geometry.InterpolateLinear(prev.Point, next.Point, progress),
				Bearing:    geometry.BearingBetween(prev.Point, next.Point),
				PrevStopID: prev.StopID,
				NextStopID: next.StopID,
				Progress:   progress,
				Confidence: segmentConfidence(duration),
			}, true
		}
	}

	return Estimate{}, false
}

// segmentConfidence drops as the gap between consecutive stops grows.
func segmentConfidence(durationSeconds int) float64 {
	if durationSeconds <= confidentSegment {
		return maxConfidence
	}
	minutes := float64(durationSeconds-confidentSegment) / 60
	return geometry.Clamp(maxConfidence-minutes*confidenceDecayPerMinute, minConfidence, maxConfidence)
}

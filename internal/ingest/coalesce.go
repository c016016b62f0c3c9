package ingest

import (
	"encoding/json"

	"coachsync/internal/analysis"
	"coachsync/internal/database"
	"coachsync/internal/fitfile"
	"coachsync/internal/provider"
)

// coalesce keeps dst when already populated. All enrichment in this
// package fills gaps and never overwrites.
func coalesce[T any](dst, src *T) *T {
	if dst != nil {
		return dst
	}
	return src
}

// applySummary fills missing activity fields from a provider summary.
// Returns true if any field changed.
func applySummary(a *database.Activity, s *provider.ActivitySummary) bool {
	if s == nil {
		return false
	}

	before := *a

	a.Name = coalesce(a.Name, s.Name)
	a.Sport = coalesce(a.Sport, s.Sport)
	a.DistanceM = coalesce(a.DistanceM, s.DistanceM)
	a.MovingTimeS = coalesce(a.MovingTimeS, s.MovingTimeS)
	a.ElapsedTimeS = coalesce(a.ElapsedTimeS, s.ElapsedTimeS)
	a.ElevationGainM = coalesce(a.ElevationGainM, s.ElevationGainM)
	a.AvgSpeedMS = coalesce(a.AvgSpeedMS, s.AvgSpeedMS)
	a.MaxSpeedMS = coalesce(a.MaxSpeedMS, s.MaxSpeedMS)
	a.AvgWatts = coalesce(a.AvgWatts, s.AvgWatts)
	a.MaxWatts = coalesce(a.MaxWatts, s.MaxWatts)
	a.AvgHeartRate = coalesce(a.AvgHeartRate, s.AvgHeartRate)
	a.MaxHeartRate = coalesce(a.MaxHeartRate, s.MaxHeartRate)
	a.AvgCadence = coalesce(a.AvgCadence, s.AvgCadence)
	if s.Trainer {
		a.Trainer = true
	}
	if a.StartDate == 0 && s.StartDate != 0 {
		a.StartDate = s.StartDate
	}

	return *a != before
}

// applyFileData fills missing activity fields from a decoded file:
// first the device-calculated session aggregates, then values
// recomputed from the sample stream. Device aggregates land first so
// they win wherever both exist.
func applyFileData(a *database.Activity, result *fitfile.DecodeResult) bool {
	before := *a

	if s := result.Summary; s != nil {
		if s.Sport != "" {
			sport := s.Sport
			a.Sport = coalesce(a.Sport, &sport)
		}
		if s.Trainer {
			a.Trainer = true
		}
		if a.StartDate == 0 && !s.StartTime.IsZero() {
			a.StartDate = s.StartTime.Unix()
		}
		a.DistanceM = coalesce(a.DistanceM, s.DistanceM)
		a.MovingTimeS = coalesce(a.MovingTimeS, s.MovingTimeS)
		a.ElapsedTimeS = coalesce(a.ElapsedTimeS, s.ElapsedTimeS)
		a.ElevationGainM = coalesce(a.ElevationGainM, s.ElevationGainM)
		a.AvgSpeedMS = coalesce(a.AvgSpeedMS, s.AvgSpeedMS)
		a.MaxSpeedMS = coalesce(a.MaxSpeedMS, s.MaxSpeedMS)
		a.AvgHeartRate = coalesce(a.AvgHeartRate, s.AvgHeartRate)
		a.MaxHeartRate = coalesce(a.MaxHeartRate, s.MaxHeartRate)
		a.AvgCadence = coalesce(a.AvgCadence, s.AvgCadence)
		a.AvgWatts = coalesce(a.AvgWatts, s.AvgWatts)
		a.MaxWatts = coalesce(a.MaxWatts, s.MaxWatts)
		a.NormalizedWatts = coalesce(a.NormalizedWatts, s.NormalizedWatts)
		a.TrainingStressScore = coalesce(a.TrainingStressScore, s.TrainingStressScore)
		a.IntensityFactor = coalesce(a.IntensityFactor, s.IntensityFactor)
		a.ThresholdWatts = coalesce(a.ThresholdWatts, s.ThresholdWatts)
	}

	if len(result.TrackPoints) > 0 && a.MapSummaryPolyline == nil {
		track := make([]analysis.LatLng, len(result.TrackPoints))
		for i, pt := range result.TrackPoints {
			track[i] = analysis.LatLng{Lat: pt.Latitude, Lng: pt.Longitude}
		}
		a.MapSummaryPolyline = analysis.EncodePolyline(track)
	}

	a.NormalizedWatts = coalesce(a.NormalizedWatts, analysis.NormalizedPower(result.PowerSamples))

	if a.PowerCurveJSON == nil {
		if curve := analysis.PowerCurve(result.PowerSamples); len(curve) > 0 {
			if encoded, err := json.Marshal(curve); err == nil {
				curveJSON := string(encoded)
				a.PowerCurveJSON = &curveJSON
			}
		}
	}

	return *a != before
}

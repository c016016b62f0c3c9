package fitfile

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/muktihari/fit/decoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"
)

// ErrMalformedFile indicates the buffer is too small to hold a FIT header.
var ErrMalformedFile = errors.New("malformed fit file")

// DecodeError wraps a mid-stream decode failure. Partial results are
// discarded: a corrupt file yields no track at all rather than a
// truncated one.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("fit decode failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FIT headers are 12 or 14 bytes
const minHeaderSize = 12

// TrackPoint is one positioned sample from a record message.
type TrackPoint struct {
	Timestamp time.Time
	Latitude  float64
	Longitude float64
	Elevation *float64
	HeartRate *int
	Power     *int
	Cadence   *int
	SpeedMS   *float64
	DistanceM *float64
}

// SessionSummary holds device-calculated aggregates from the session
// message. These take precedence over anything recomputed from samples.
type SessionSummary struct {
	Sport     string
	StartTime time.Time
	Trainer   bool

	DistanceM      *float64
	MovingTimeS    *float64
	ElapsedTimeS   *float64
	ElevationGainM *float64
	AvgSpeedMS     *float64
	MaxSpeedMS     *float64
	AvgHeartRate   *float64
	MaxHeartRate   *float64
	AvgCadence     *float64

	AvgWatts            *float64
	MaxWatts            *float64
	NormalizedWatts     *float64
	TrainingStressScore *float64
	IntensityFactor     *float64
	ThresholdWatts      *float64
}

// DecodeResult is the parsed content of one activity file.
// PowerSamples covers every record carrying power, including indoor
// rides where records have no position and produce no TrackPoint.
type DecodeResult struct {
	TrackPoints  []TrackPoint
	PowerSamples []int
	Summary      *SessionSummary
}

// Decode parses a FIT activity file. Records without a valid position
// are dropped from the track but still contribute power samples.
// Unrecognized message types are skipped.
func Decode(data []byte) (*DecodeResult, error) {
	if len(data) < minHeaderSize {
		return nil, ErrMalformedFile
	}

	dec := decoder.New(bytes.NewReader(data))

	result := &DecodeResult{}
	for dec.Next() {
		fitData, err := dec.Decode()
		if err != nil {
			return nil, &DecodeError{Err: err}
		}

		for _, msg := range fitData.Messages {
			switch msg.Num {
			case typedef.MesgNumRecord:
				parseRecord(&msg, result)

			case typedef.MesgNumSession:
				// First session wins; later sessions in multi-session
				// files describe segments we fold into the track anyway
				if result.Summary == nil {
					result.Summary = parseSession(&msg)
				}
			}
		}
	}

	return result, nil
}

func parseRecord(msg *proto.Message, result *DecodeResult) {
	rec := mesgdef.NewRecord(msg)

	if rec.Timestamp.IsZero() {
		return
	}

	if rec.Power != 0xFFFF {
		result.PowerSamples = append(result.PowerSamples, int(rec.Power))
	}

	// 0x7FFFFFFF is the sint32 invalid sentinel
	if rec.PositionLat == 0x7FFFFFFF || rec.PositionLong == 0x7FFFFFFF {
		return
	}

	// FIT positions are semicircles: 2^31 / 180 per degree
	const semicirclesPerDegree = 11930464.7111

	pt := TrackPoint{
		Timestamp: rec.Timestamp.UTC(),
		Latitude:  float64(rec.PositionLat) / semicirclesPerDegree,
		Longitude: float64(rec.PositionLong) / semicirclesPerDegree,
	}

	if rec.Altitude != 0xFFFF {
		elevation := (float64(rec.Altitude) / 5) - 500
		pt.Elevation = &elevation
	}
	if rec.HeartRate != 0xFF {
		hr := int(rec.HeartRate)
		pt.HeartRate = &hr
	}
	if rec.Power != 0xFFFF {
		power := int(rec.Power)
		pt.Power = &power
	}
	if rec.Cadence != 0xFF {
		cadence := int(rec.Cadence)
		pt.Cadence = &cadence
	}
	if rec.Speed != 0xFFFF {
		speed := float64(rec.Speed) / 1000
		pt.SpeedMS = &speed
	}
	if rec.Distance != 0xFFFFFFFF {
		distance := float64(rec.Distance) / 100
		pt.DistanceM = &distance
	}

	result.TrackPoints = append(result.TrackPoints, pt)
}

func parseSession(msg *proto.Message) *SessionSummary {
	sess := mesgdef.NewSession(msg)

	summary := &SessionSummary{
		Sport:   sportName(sess.Sport),
		Trainer: isTrainer(sess.SubSport),
	}
	if !sess.StartTime.IsZero() {
		summary.StartTime = sess.StartTime.UTC()
	}

	if sess.TotalDistance != 0xFFFFFFFF {
		distance := float64(sess.TotalDistance) / 100
		summary.DistanceM = &distance
	}
	if sess.TotalTimerTime != 0xFFFFFFFF {
		moving := float64(sess.TotalTimerTime) / 1000
		summary.MovingTimeS = &moving
	}
	if sess.TotalElapsedTime != 0xFFFFFFFF {
		elapsed := float64(sess.TotalElapsedTime) / 1000
		summary.ElapsedTimeS = &elapsed
	}
	if sess.TotalAscent != 0xFFFF {
		ascent := float64(sess.TotalAscent)
		summary.ElevationGainM = &ascent
	}
	if sess.AvgSpeed != 0xFFFF {
		avgSpeed := float64(sess.AvgSpeed) / 1000
		summary.AvgSpeedMS = &avgSpeed
	}
	if sess.MaxSpeed != 0xFFFF {
		maxSpeed := float64(sess.MaxSpeed) / 1000
		summary.MaxSpeedMS = &maxSpeed
	}
	if sess.AvgHeartRate != 0xFF {
		avgHR := float64(sess.AvgHeartRate)
		summary.AvgHeartRate = &avgHR
	}
	if sess.MaxHeartRate != 0xFF {
		maxHR := float64(sess.MaxHeartRate)
		summary.MaxHeartRate = &maxHR
	}
	if sess.AvgCadence != 0xFF {
		avgCadence := float64(sess.AvgCadence)
		summary.AvgCadence = &avgCadence
	}
	if sess.AvgPower != 0xFFFF {
		avgPower := float64(sess.AvgPower)
		summary.AvgWatts = &avgPower
	}
	if sess.MaxPower != 0xFFFF {
		maxPower := float64(sess.MaxPower)
		summary.MaxWatts = &maxPower
	}
	if sess.NormalizedPower != 0xFFFF {
		np := float64(sess.NormalizedPower)
		summary.NormalizedWatts = &np
	}
	if sess.TrainingStressScore != 0xFFFF {
		tss := float64(sess.TrainingStressScore) / 10
		summary.TrainingStressScore = &tss
	}
	if sess.IntensityFactor != 0xFFFF {
		intensity := float64(sess.IntensityFactor) / 1000
		summary.IntensityFactor = &intensity
	}
	if sess.ThresholdPower != 0xFFFF {
		threshold := float64(sess.ThresholdPower)
		summary.ThresholdWatts = &threshold
	}

	return summary
}

func sportName(sport typedef.Sport) string {
	switch sport {
	case typedef.SportCycling:
		return "cycling"
	case typedef.SportRunning:
		return "running"
	case typedef.SportSwimming:
		return "swimming"
	case typedef.SportWalking:
		return "walking"
	case typedef.SportHiking:
		return "hiking"
	case typedef.SportRowing:
		return "rowing"
	default:
		return "workout"
	}
}

func isTrainer(subSport typedef.SubSport) bool {
	switch subSport {
	case typedef.SubSportIndoorCycling, typedef.SubSportVirtualActivity,
		typedef.SubSportTreadmill, typedef.SubSportIndoorRowing:
		return true
	}
	return false
}

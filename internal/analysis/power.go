package analysis

import "math"

// npWindow is the rolling-average window for Normalized Power, in
// samples at a nominal 1 Hz.
const npWindow = 30

// mmpDurations are the mean-maximal-power target durations in seconds.
var mmpDurations = []int{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// NormalizedPower computes NP from a 1 Hz power stream: a 30-sample
// rolling average at every position, each raised to the 4th power,
// averaged, then the 4th root, rounded to the nearest watt. Streams
// shorter than the window yield no value.
func NormalizedPower(power []int) *float64 {
	if len(power) < npWindow {
		return nil
	}

	sum := 0
	for i := 0; i < npWindow; i++ {
		sum += power[i]
	}

	totalFourth := 0.0
	count := 0
	for i := npWindow - 1; i < len(power); i++ {
		if i >= npWindow {
			sum += power[i] - power[i-npWindow]
		}
		roll := float64(sum) / npWindow
		totalFourth += math.Pow(roll, 4)
		count++
	}

	np := math.Round(math.Pow(totalFourth/float64(count), 0.25))
	return &np
}

// CurvePoint is one entry on a mean-maximal-power curve.
type CurvePoint struct {
	DurationS int     `json:"duration_s"`
	Watts     float64 `json:"watts"`
}

// PowerCurve computes the best average power sustained over each target
// duration. Durations longer than the stream, or whose best average is
// not positive, are omitted.
func PowerCurve(power []int) []CurvePoint {
	var curve []CurvePoint
	for _, duration := range mmpDurations {
		best := bestRollingAverage(power, duration)
		if best <= 0 {
			continue
		}
		curve = append(curve, CurvePoint{DurationS: duration, Watts: best})
	}
	return curve
}

func bestRollingAverage(power []int, window int) float64 {
	if len(power) < window {
		return 0
	}

	sum := 0
	for i := 0; i < window; i++ {
		sum += power[i]
	}
	max := sum
	for i := window; i < len(power); i++ {
		sum += power[i] - power[i-window]
		if sum > max {
			max = sum
		}
	}

	return float64(max) / float64(window)
}

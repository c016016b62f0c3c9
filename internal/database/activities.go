package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"coachsync/internal/metrics"
)

// Activity is the canonical normalized activity record.
// Identity is (user_id, provider, provider_activity_id); later enrichment
// and dedup merges only fill previously-null fields.
type Activity struct {
	ID                 int64
	UserID             int64
	Provider           string
	ProviderActivityID string

	Name      *string
	Sport     *string
	StartDate int64
	Trainer   bool

	DistanceM           *float64
	MovingTimeS         *float64
	ElapsedTimeS        *float64
	ElevationGainM      *float64
	AvgSpeedMS          *float64
	MaxSpeedMS          *float64
	AvgWatts            *float64
	MaxWatts            *float64
	NormalizedWatts     *float64
	AvgHeartRate        *float64
	MaxHeartRate        *float64
	AvgCadence          *float64
	TrainingStressScore *float64
	IntensityFactor     *float64
	ThresholdWatts      *float64

	MapSummaryPolyline *string
	PowerCurveJSON     *string

	RawData               string
	ImportedFrom          string
	ContributingProviders *string

	CreatedAt int64
	UpdatedAt int64
}

const activityColumns = `
	id, user_id, provider, provider_activity_id,
	name, sport, start_date, trainer,
	distance_m, moving_time_s, elapsed_time_s, elevation_gain_m,
	avg_speed_ms, max_speed_ms, avg_watts, max_watts, normalized_watts,
	avg_heart_rate, max_heart_rate, avg_cadence,
	training_stress_score, intensity_factor, threshold_watts,
	map_summary_polyline, power_curve_json,
	raw_data, imported_from, contributing_providers,
	created_at, updated_at`

// CreateActivity inserts a new activity. A unique-constraint violation
// means a concurrent delivery created the row first; the caller must
// fall back to the enrichment path instead of erroring.
func (db *DB) CreateActivity(a *Activity) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCreateActivity))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	a.CreatedAt = now
	a.UpdatedAt = now

	result, err := db.conn.Exec(`
		INSERT INTO activities (
			user_id, provider, provider_activity_id,
			name, sport, start_date, trainer,
			distance_m, moving_time_s, elapsed_time_s, elevation_gain_m,
			avg_speed_ms, max_speed_ms, avg_watts, max_watts, normalized_watts,
			avg_heart_rate, max_heart_rate, avg_cadence,
			training_stress_score, intensity_factor, threshold_watts,
			map_summary_polyline, power_curve_json,
			raw_data, imported_from, contributing_providers,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.UserID, a.Provider, a.ProviderActivityID,
		a.Name, a.Sport, a.StartDate, a.Trainer,
		a.DistanceM, a.MovingTimeS, a.ElapsedTimeS, a.ElevationGainM,
		a.AvgSpeedMS, a.MaxSpeedMS, a.AvgWatts, a.MaxWatts, a.NormalizedWatts,
		a.AvgHeartRate, a.MaxHeartRate, a.AvgCadence,
		a.TrainingStressScore, a.IntensityFactor, a.ThresholdWatts,
		a.MapSummaryPolyline, a.PowerCurveJSON,
		a.RawData, a.ImportedFrom, a.ContributingProviders,
		a.CreatedAt, a.UpdatedAt)

	if err != nil {
		if !IsUniqueViolation(err) {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCreateActivity).Inc()
		}
		return fmt.Errorf("failed to create activity: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	a.ID = id

	return nil
}

// GetActivity retrieves an activity by internal ID
func (db *DB) GetActivity(activityID int64) (*Activity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetActivity))
	defer timer.ObserveDuration()

	return db.scanActivity(db.conn.QueryRow(
		`SELECT `+activityColumns+` FROM activities WHERE id = ?`, activityID))
}

// GetActivityByKey retrieves an activity by its natural key
func (db *DB) GetActivityByKey(userID int64, provider, providerActivityID string) (*Activity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetActivity))
	defer timer.ObserveDuration()

	return db.scanActivity(db.conn.QueryRow(
		`SELECT `+activityColumns+` FROM activities WHERE user_id = ? AND provider = ? AND provider_activity_id = ?`,
		userID, provider, providerActivityID))
}

func (db *DB) scanActivity(row *sql.Row) (*Activity, error) {
	var a Activity
	err := row.Scan(
		&a.ID, &a.UserID, &a.Provider, &a.ProviderActivityID,
		&a.Name, &a.Sport, &a.StartDate, &a.Trainer,
		&a.DistanceM, &a.MovingTimeS, &a.ElapsedTimeS, &a.ElevationGainM,
		&a.AvgSpeedMS, &a.MaxSpeedMS, &a.AvgWatts, &a.MaxWatts, &a.NormalizedWatts,
		&a.AvgHeartRate, &a.MaxHeartRate, &a.AvgCadence,
		&a.TrainingStressScore, &a.IntensityFactor, &a.ThresholdWatts,
		&a.MapSummaryPolyline, &a.PowerCurveJSON,
		&a.RawData, &a.ImportedFrom, &a.ContributingProviders,
		&a.CreatedAt, &a.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return &a, nil
}

// UpdateActivity writes back all mutable activity fields
func (db *DB) UpdateActivity(a *Activity) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateActivity))
	defer timer.ObserveDuration()

	a.UpdatedAt = time.Now().Unix()

	result, err := db.conn.Exec(`
		UPDATE activities SET
			name = ?, sport = ?, start_date = ?, trainer = ?,
			distance_m = ?, moving_time_s = ?, elapsed_time_s = ?, elevation_gain_m = ?,
			avg_speed_ms = ?, max_speed_ms = ?, avg_watts = ?, max_watts = ?, normalized_watts = ?,
			avg_heart_rate = ?, max_heart_rate = ?, avg_cadence = ?,
			training_stress_score = ?, intensity_factor = ?, threshold_watts = ?,
			map_summary_polyline = ?, power_curve_json = ?,
			raw_data = ?, imported_from = ?, contributing_providers = ?,
			updated_at = ?
		WHERE id = ?
	`, a.Name, a.Sport, a.StartDate, a.Trainer,
		a.DistanceM, a.MovingTimeS, a.ElapsedTimeS, a.ElevationGainM,
		a.AvgSpeedMS, a.MaxSpeedMS, a.AvgWatts, a.MaxWatts, a.NormalizedWatts,
		a.AvgHeartRate, a.MaxHeartRate, a.AvgCadence,
		a.TrainingStressScore, a.IntensityFactor, a.ThresholdWatts,
		a.MapSummaryPolyline, a.PowerCurveJSON,
		a.RawData, a.ImportedFrom, a.ContributingProviders,
		a.UpdatedAt, a.ID)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateActivity).Inc()
		return fmt.Errorf("failed to update activity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("activity not found")
	}

	return nil
}

// ListActivitiesByUser returns a user's activities in ascending start
// order. The deduplicator depends on this ordering for single-link
// clustering.
func (db *DB) ListActivitiesByUser(userID int64) ([]*Activity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListActivities))
	defer timer.ObserveDuration()

	rows, err := db.conn.Query(
		`SELECT `+activityColumns+` FROM activities WHERE user_id = ? ORDER BY start_date ASC, id ASC`,
		userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListActivities).Inc()
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var activities []*Activity
	for rows.Next() {
		var a Activity
		err := rows.Scan(
			&a.ID, &a.UserID, &a.Provider, &a.ProviderActivityID,
			&a.Name, &a.Sport, &a.StartDate, &a.Trainer,
			&a.DistanceM, &a.MovingTimeS, &a.ElapsedTimeS, &a.ElevationGainM,
			&a.AvgSpeedMS, &a.MaxSpeedMS, &a.AvgWatts, &a.MaxWatts, &a.NormalizedWatts,
			&a.AvgHeartRate, &a.MaxHeartRate, &a.AvgCadence,
			&a.TrainingStressScore, &a.IntensityFactor, &a.ThresholdWatts,
			&a.MapSummaryPolyline, &a.PowerCurveJSON,
			&a.RawData, &a.ImportedFrom, &a.ContributingProviders,
			&a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		activities = append(activities, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activities: %w", err)
	}

	return activities, nil
}

// DeleteActivity removes an activity. Only deduplication merges delete
// activities; webhook processing never does.
func (db *DB) DeleteActivity(activityID int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteActivity))
	defer timer.ObserveDuration()

	result, err := db.conn.Exec(`DELETE FROM activities WHERE id = ?`, activityID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteActivity).Inc()
		return fmt.Errorf("failed to delete activity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("activity not found")
	}

	return nil
}

package dedup

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"coachsync/internal/database"
	"coachsync/internal/metrics"
)

const (
	// maxStartDelta is how far apart two start timestamps may be for the
	// activities to describe the same ride
	maxStartDelta = 5 * time.Minute

	// minDistanceSlack is the distance-delta floor in meters, for short
	// activities where 1% is too tight
	minDistanceSlack = 100.0

	// maxAgeBonusDays caps the earliest-imported scoring bonus
	maxAgeBonusDays = 3.0
)

// Group is a cluster of activities believed to be one physical ride
type Group struct {
	ID              string  `json:"id"`
	ActivityIDs     []int64 `json:"activity_ids"`
	RecommendedKeep int64   `json:"recommended_keep"`
}

// MergePlan reports what one group's merge did, or would do in dry-run
type MergePlan struct {
	GroupID string  `json:"group_id"`
	Kept    int64   `json:"kept"`
	Removed []int64 `json:"removed"`
}

// MergeOutcome summarizes a merge call
type MergeOutcome struct {
	DryRun  bool        `json:"dry_run"`
	Merged  int         `json:"merged"`
	Deleted int         `json:"deleted"`
	Plans   []MergePlan `json:"plans"`
}

// Deduplicator finds and merges cross-provider copies of the same
// activity.
type Deduplicator struct {
	db     *database.DB
	tiers  map[string]int
	logger *slog.Logger
}

// New creates a deduplicator. tiers maps provider name to a scoring
// bonus for vendors with more trustworthy on-device sensors.
func New(db *database.DB, tiers map[string]int, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		db:     db,
		tiers:  tiers,
		logger: logger,
	}
}

// FindDuplicates clusters a user's activities by single-link chaining
// in ascending start order: each unplaced activity seeds a group, and
// later activities join the first group any member admits them to.
// Placed activities are not re-evaluated.
func (d *Deduplicator) FindDuplicates(userID int64) ([]Group, error) {
	activities, err := d.db.ListActivitiesByUser(userID)
	if err != nil {
		return nil, err
	}

	placed := make([]bool, len(activities))
	var groups []Group

	for i := range activities {
		if placed[i] {
			continue
		}
		members := []*database.Activity{activities[i]}
		placed[i] = true

		for j := i + 1; j < len(activities); j++ {
			if placed[j] {
				continue
			}
			// Activities are time-sorted; past the window of the last
			// member nothing later can chain in
			if activities[j].StartDate-members[len(members)-1].StartDate > int64(maxStartDelta.Seconds()) {
				break
			}
			for _, m := range members {
				if isCandidate(m, activities[j]) {
					members = append(members, activities[j])
					placed[j] = true
					break
				}
			}
		}

		if len(members) < 2 {
			continue
		}

		group := Group{
			ID:              uuid.NewString(),
			RecommendedKeep: d.recommendKeep(members),
		}
		for _, m := range members {
			group.ActivityIDs = append(group.ActivityIDs, m.ID)
		}
		groups = append(groups, group)
	}

	metrics.DuplicateGroupsFound.Add(float64(len(groups)))

	return groups, nil
}

// isCandidate applies the duplicate rule: start timestamps within 5
// minutes and recorded distances within max(1% of either, 100 m).
// A missing distance counts as zero.
func isCandidate(a, b *database.Activity) bool {
	startDelta := a.StartDate - b.StartDate
	if startDelta < 0 {
		startDelta = -startDelta
	}
	if startDelta > int64(maxStartDelta.Seconds()) {
		return false
	}

	distA := 0.0
	if a.DistanceM != nil {
		distA = *a.DistanceM
	}
	distB := 0.0
	if b.DistanceM != nil {
		distB = *b.DistanceM
	}

	slack := math.Max(math.Max(distA, distB)*0.01, minDistanceSlack)
	return math.Abs(distA-distB) <= slack
}

// recommendKeep scores each member and returns the winner's id. Ties
// go to the earliest-imported record.
func (d *Deduplicator) recommendKeep(members []*database.Activity) int64 {
	newest := members[0].CreatedAt
	for _, m := range members {
		if m.CreatedAt > newest {
			newest = m.CreatedAt
		}
	}

	best := members[0]
	bestScore := d.score(members[0], newest)
	for _, m := range members[1:] {
		score := d.score(m, newest)
		if score > bestScore || (score == bestScore && m.CreatedAt < best.CreatedAt) {
			best = m
			bestScore = score
		}
	}
	return best.ID
}

func (d *Deduplicator) score(a *database.Activity, newestCreatedAt int64) float64 {
	score := 0.0
	if a.AvgWatts != nil || a.NormalizedWatts != nil || a.PowerCurveJSON != nil {
		score += 10
	}
	if a.AvgHeartRate != nil || a.MaxHeartRate != nil {
		score += 5
	}
	if a.MapSummaryPolyline != nil {
		score += 5
	}
	score += float64(d.tiers[a.Provider])

	ageDays := float64(newestCreatedAt-a.CreatedAt) / 86400
	score += math.Min(ageDays, maxAgeBonusDays)

	return score
}

// Merge collapses each group into its canonical record: losers' non-null
// fields fill the canonical record's gaps, contributing providers are
// recorded on it, and the losers are deleted. With dryRun nothing is
// written.
func (d *Deduplicator) Merge(groups []Group, dryRun bool) (*MergeOutcome, error) {
	outcome := &MergeOutcome{DryRun: dryRun}

	for _, group := range groups {
		members := make([]*database.Activity, 0, len(group.ActivityIDs))
		for _, id := range group.ActivityIDs {
			a, err := d.db.GetActivity(id)
			if err != nil {
				return nil, err
			}
			if a == nil {
				// Already merged away by an earlier call
				continue
			}
			members = append(members, a)
		}
		if len(members) < 2 {
			continue
		}

		keep := members[0]
		for _, m := range members {
			if m.ID == group.RecommendedKeep {
				keep = m
				break
			}
		}

		plan := MergePlan{GroupID: group.ID, Kept: keep.ID}
		providers := map[string]bool{keep.Provider: true}
		if keep.ContributingProviders != nil {
			var prior []string
			if err := json.Unmarshal([]byte(*keep.ContributingProviders), &prior); err == nil {
				for _, p := range prior {
					providers[p] = true
				}
			}
		}

		for _, m := range members {
			if m.ID == keep.ID {
				continue
			}
			fillActivity(keep, m)
			providers[m.Provider] = true
			plan.Removed = append(plan.Removed, m.ID)
		}

		names := make([]string, 0, len(providers))
		for p := range providers {
			names = append(names, p)
		}
		sort.Strings(names)
		encoded, err := json.Marshal(names)
		if err != nil {
			return nil, fmt.Errorf("failed to encode contributing providers: %w", err)
		}
		contributing := string(encoded)
		keep.ContributingProviders = &contributing

		if !dryRun {
			if err := d.db.UpdateActivity(keep); err != nil {
				return nil, fmt.Errorf("failed to update canonical activity %d: %w", keep.ID, err)
			}
			for _, id := range plan.Removed {
				if err := d.db.DeleteActivity(id); err != nil {
					return nil, fmt.Errorf("failed to delete merged activity %d: %w", id, err)
				}
			}
			metrics.ActivitiesMerged.Add(float64(len(plan.Removed)))
			d.logger.Info("merged duplicate group",
				"group_id", group.ID, "kept", keep.ID, "removed", len(plan.Removed))
		}

		outcome.Merged++
		outcome.Deleted += len(plan.Removed)
		outcome.Plans = append(outcome.Plans, plan)
	}

	return outcome, nil
}

// fillActivity copies src's non-null fields into dst's null fields
func fillActivity(dst, src *database.Activity) {
	dst.Name = pick(dst.Name, src.Name)
	dst.Sport = pick(dst.Sport, src.Sport)
	dst.DistanceM = pick(dst.DistanceM, src.DistanceM)
	dst.MovingTimeS = pick(dst.MovingTimeS, src.MovingTimeS)
	dst.ElapsedTimeS = pick(dst.ElapsedTimeS, src.ElapsedTimeS)
	dst.ElevationGainM = pick(dst.ElevationGainM, src.ElevationGainM)
	dst.AvgSpeedMS = pick(dst.AvgSpeedMS, src.AvgSpeedMS)
	dst.MaxSpeedMS = pick(dst.MaxSpeedMS, src.MaxSpeedMS)
	dst.AvgWatts = pick(dst.AvgWatts, src.AvgWatts)
	dst.MaxWatts = pick(dst.MaxWatts, src.MaxWatts)
	dst.NormalizedWatts = pick(dst.NormalizedWatts, src.NormalizedWatts)
	dst.AvgHeartRate = pick(dst.AvgHeartRate, src.AvgHeartRate)
	dst.MaxHeartRate = pick(dst.MaxHeartRate, src.MaxHeartRate)
	dst.AvgCadence = pick(dst.AvgCadence, src.AvgCadence)
	dst.TrainingStressScore = pick(dst.TrainingStressScore, src.TrainingStressScore)
	dst.IntensityFactor = pick(dst.IntensityFactor, src.IntensityFactor)
	dst.ThresholdWatts = pick(dst.ThresholdWatts, src.ThresholdWatts)
	dst.MapSummaryPolyline = pick(dst.MapSummaryPolyline, src.MapSummaryPolyline)
	dst.PowerCurveJSON = pick(dst.PowerCurveJSON, src.PowerCurveJSON)
	if src.Trainer {
		dst.Trainer = true
	}
}

func pick[T any](dst, src *T) *T {
	if dst != nil {
		return dst
	}
	return src
}

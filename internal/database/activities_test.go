package database

import (
	"testing"
)

func floatPtr(f float64) *float64 { return &f }

func testActivity(providerActivityID string, startDate int64) *Activity {
	return &Activity{
		UserID:             42,
		Provider:           "garmin",
		ProviderActivityID: providerActivityID,
		Name:               strPtr("Morning Ride"),
		Sport:              strPtr("cycling"),
		StartDate:          startDate,
		DistanceM:          floatPtr(20000),
		RawData:            `{"distance_meters":20000}`,
		ImportedFrom:       "garmin",
	}
}

func TestCreateAndGetActivity(t *testing.T) {
	db := setupTestDB(t)

	a := testActivity("act-1", 1700000000)
	if err := db.CreateActivity(a); err != nil {
		t.Fatalf("Failed to create activity: %v", err)
	}
	if a.ID == 0 {
		t.Error("Expected ID to be set after creation")
	}

	retrieved, err := db.GetActivityByKey(42, "garmin", "act-1")
	if err != nil {
		t.Fatalf("Failed to get activity: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Expected activity, got nil")
	}
	if retrieved.Name == nil || *retrieved.Name != "Morning Ride" {
		t.Error("Expected name 'Morning Ride'")
	}
	if retrieved.DistanceM == nil || *retrieved.DistanceM != 20000 {
		t.Error("Expected distance 20000")
	}
	if retrieved.AvgWatts != nil {
		t.Error("Expected avg watts to be null")
	}

	byID, err := db.GetActivity(a.ID)
	if err != nil {
		t.Fatalf("Failed to get activity by id: %v", err)
	}
	if byID == nil || byID.ProviderActivityID != "act-1" {
		t.Error("Expected same activity by internal id")
	}
}

func TestUpdateActivityEnrichment(t *testing.T) {
	db := setupTestDB(t)

	a := testActivity("act-1", 1700000000)
	if err := db.CreateActivity(a); err != nil {
		t.Fatalf("Failed to create activity: %v", err)
	}

	a.AvgWatts = floatPtr(210)
	a.NormalizedWatts = floatPtr(228)
	a.MapSummaryPolyline = strPtr("_p~iF~ps|U")
	if err := db.UpdateActivity(a); err != nil {
		t.Fatalf("Failed to update activity: %v", err)
	}

	retrieved, err := db.GetActivity(a.ID)
	if err != nil {
		t.Fatalf("Failed to get activity: %v", err)
	}
	if retrieved.AvgWatts == nil || *retrieved.AvgWatts != 210 {
		t.Error("Expected avg watts 210")
	}
	if retrieved.MapSummaryPolyline == nil || *retrieved.MapSummaryPolyline != "_p~iF~ps|U" {
		t.Error("Expected polyline persisted")
	}

	// Updating a deleted activity errors
	if err := db.DeleteActivity(a.ID); err != nil {
		t.Fatalf("Failed to delete activity: %v", err)
	}
	if err := db.UpdateActivity(a); err == nil {
		t.Error("Expected error updating deleted activity")
	}
}

func TestListActivitiesByUserOrder(t *testing.T) {
	db := setupTestDB(t)

	late := testActivity("act-late", 1700007200)
	if err := db.CreateActivity(late); err != nil {
		t.Fatalf("Failed to create activity: %v", err)
	}
	early := testActivity("act-early", 1700000000)
	if err := db.CreateActivity(early); err != nil {
		t.Fatalf("Failed to create activity: %v", err)
	}

	// Another user's activity is excluded
	other := testActivity("act-other", 1700000000)
	other.UserID = 99
	if err := db.CreateActivity(other); err != nil {
		t.Fatalf("Failed to create activity: %v", err)
	}

	list, err := db.ListActivitiesByUser(42)
	if err != nil {
		t.Fatalf("Failed to list activities: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 activities, got %d", len(list))
	}
	if list[0].ProviderActivityID != "act-early" || list[1].ProviderActivityID != "act-late" {
		t.Errorf("Expected ascending start order, got %s, %s",
			list[0].ProviderActivityID, list[1].ProviderActivityID)
	}
}

func TestDeleteActivity(t *testing.T) {
	db := setupTestDB(t)

	a := testActivity("act-1", 1700000000)
	if err := db.CreateActivity(a); err != nil {
		t.Fatalf("Failed to create activity: %v", err)
	}

	if err := db.DeleteActivity(a.ID); err != nil {
		t.Fatalf("Failed to delete activity: %v", err)
	}

	retrieved, err := db.GetActivity(a.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if retrieved != nil {
		t.Error("Expected activity gone after delete")
	}

	if err := db.DeleteActivity(a.ID); err == nil {
		t.Error("Expected error deleting missing activity")
	}
}

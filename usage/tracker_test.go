package usage

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	acetest "github.com/acehq/ace/internal/testing"
)

func TestTracker_TrackAndGetStats(t *testing.T) {
	database := acetest.CreateTestDB(t)
	tracker := NewTracker(database)

	records := []*Record{
		{PlaybookID: "pb-1", EvolutionJobID: "job-1", Model: "claude-sonnet-4-5", PromptTokens: 800, CompletionTokens: 200, CostUSD: 0.005},
		{PlaybookID: "pb-1", EvolutionJobID: "job-2", Model: "claude-haiku-4-5", PromptTokens: 300, CompletionTokens: 100, CostUSD: 0.001},
	}
	for _, r := range records {
		if err := tracker.Track(r); err != nil {
			t.Fatalf("Track failed: %v", err)
		}
	}

	stats, err := tracker.GetStats(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", stats.TotalRequests)
	}
	// TotalTokens defaults to prompt + completion when not set
	if stats.TotalTokens != 1400 {
		t.Errorf("TotalTokens = %d, want 1400", stats.TotalTokens)
	}
	if stats.UniqueModels != 2 {
		t.Errorf("UniqueModels = %d, want 2", stats.UniqueModels)
	}

	var operation string
	if err := database.QueryRow(`SELECT operation FROM usage_records LIMIT 1`).Scan(&operation); err != nil {
		t.Fatalf("Failed to read record: %v", err)
	}
	if operation != "evolve" {
		t.Errorf("Default operation = %q, want evolve", operation)
	}
}

func TestTracker_DailySpendIsTodayOnly(t *testing.T) {
	database := acetest.CreateTestDB(t)
	tracker := NewTracker(database)

	if err := tracker.Track(&Record{PlaybookID: "pb-1", EvolutionJobID: "job-1", Model: "m", TotalTokens: 100, CostUSD: 0.02}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	// Yesterday's record must not count
	if err := tracker.Track(&Record{
		PlaybookID: "pb-1", EvolutionJobID: "job-0", Model: "m",
		TotalTokens: 100, CostUSD: 5.00,
		CreatedAt: time.Now().UTC().Add(-36 * time.Hour),
	}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	spend, ops, err := tracker.DailySpend()
	if err != nil {
		t.Fatalf("DailySpend failed: %v", err)
	}
	if ops != 1 {
		t.Errorf("DailySpend ops = %d, want 1", ops)
	}
	if spend < 0.019 || spend > 0.021 {
		t.Errorf("DailySpend = %f, want 0.02", spend)
	}
}

// --- Sqlmock Tests ---
// Verify the SQL shape and that driver errors surface as wrapped errors

func TestTracker_Track_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewTracker(db)

	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs(
			"pb-1",
			"job-1",
			"evolve",
			"claude-sonnet-4-5",
			800,
			200,
			1000,
			0.005,
			sqlmock.AnyArg(), // created_at
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = tracker.Track(&Record{
		PlaybookID:       "pb-1",
		EvolutionJobID:   "job-1",
		Model:            "claude-sonnet-4-5",
		PromptTokens:     800,
		CompletionTokens: 200,
		CostUSD:          0.005,
	})
	if err != nil {
		t.Errorf("Track failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestTracker_GetStatsDriverError_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewTracker(db)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnError(sqlmock.ErrCancelled)

	if _, err := tracker.GetStats(time.Now().Add(-time.Hour)); err == nil {
		t.Error("GetStats swallowed a driver error")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

package retention

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/donorconnect/backend/internal/donors"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newMetricsTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:retention_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&donors.Donor{}, &donors.Donation{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestRefreshDonorMetricsRollsUpDonations(t *testing.T) {
	db := newMetricsTestDB(t)
	donor := donors.Donor{ID: "donor-1", OrganizationID: "org-1", Status: "ACTIVE", RetentionRisk: "UNKNOWN"}
	if err := db.Create(&donor).Error; err != nil {
		t.Fatalf("failed to seed donor: %v", err)
	}

	first := scorerNow.Add(-200 * 24 * time.Hour)
	last := scorerNow.Add(-100 * 24 * time.Hour)
	for i, donatedAt := range []time.Time{first, last} {
		donation := donors.Donation{
			ID:             fmt.Sprintf("don-%d", i),
			DonorID:        donor.ID,
			OrganizationID: "org-1",
			Amount:         150,
			Type:           "ONE_TIME",
			DonatedAt:      donatedAt,
		}
		if err := db.Create(&donation).Error; err != nil {
			t.Fatalf("failed to seed donation: %v", err)
		}
	}

	if err := RefreshDonorMetrics(context.Background(), db, donor.ID, scorerNow); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	var stored donors.Donor
	if err := db.Take(&stored, "id = ?", donor.ID).Error; err != nil {
		t.Fatalf("failed to reload donor: %v", err)
	}
	if stored.TotalGifts != 2 || stored.TotalAmount != 300 {
		t.Fatalf("unexpected rollup: gifts=%d amount=%v", stored.TotalGifts, stored.TotalAmount)
	}
	if stored.FirstGiftDate == nil || !stored.FirstGiftDate.Equal(first) {
		t.Fatalf("unexpected first gift date: %v", stored.FirstGiftDate)
	}
	if stored.LastGiftDate == nil || !stored.LastGiftDate.Equal(last) {
		t.Fatalf("unexpected last gift date: %v", stored.LastGiftDate)
	}
	if stored.RetentionRisk != string(donors.RiskMedium) {
		t.Fatalf("expected MEDIUM risk at 100 days, got %s", stored.RetentionRisk)
	}
}

func TestRefreshDonorMetricsWithoutDonations(t *testing.T) {
	db := newMetricsTestDB(t)
	gift := scorerNow.Add(-30 * 24 * time.Hour)
	donor := donors.Donor{ID: "donor-1", OrganizationID: "org-1", Status: "ACTIVE", RetentionRisk: "LOW", TotalGifts: 4, TotalAmount: 90, FirstGiftDate: &gift, LastGiftDate: &gift}
	if err := db.Create(&donor).Error; err != nil {
		t.Fatalf("failed to seed donor: %v", err)
	}

	if err := RefreshDonorMetrics(context.Background(), db, donor.ID, scorerNow); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	var stored donors.Donor
	if err := db.Take(&stored, "id = ?", donor.ID).Error; err != nil {
		t.Fatalf("failed to reload donor: %v", err)
	}
	if stored.TotalGifts != 0 || stored.TotalAmount != 0 {
		t.Fatalf("expected zeroed rollup, got gifts=%d amount=%v", stored.TotalGifts, stored.TotalAmount)
	}
	if stored.FirstGiftDate != nil || stored.LastGiftDate != nil {
		t.Fatalf("expected cleared gift dates")
	}
	if stored.RetentionRisk != string(donors.RiskUnknown) {
		t.Fatalf("expected UNKNOWN risk, got %s", stored.RetentionRisk)
	}
}

func TestRefreshDonorMetricsMissingDonor(t *testing.T) {
	db := newMetricsTestDB(t)
	if err := RefreshDonorMetrics(context.Background(), db, "ghost", scorerNow); !errors.Is(err, ErrDonorNotFound) {
		t.Fatalf("expected ErrDonorNotFound, got %v", err)
	}
}

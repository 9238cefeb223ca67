package segments

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/donorconnect/backend/internal/donors"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	next int
}

func (g *sequenceIDProvider) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("segment-%d", g.next), nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:donorconnect_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

	if err := db.AutoMigrate(
		&donors.Organization{},
		&donors.Donor{},
		&donors.Donation{},
		&donors.Interaction{},
		&Segment{},
		&SegmentMember{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return compileNow },
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func seedDonor(t *testing.T, db *gorm.DB, donor donors.Donor) donors.Donor {
	t.Helper()
	if donor.Status == "" {
		donor.Status = "ACTIVE"
	}
	if donor.RetentionRisk == "" {
		donor.RetentionRisk = "UNKNOWN"
	}
	donor.CreatedAt = compileNow
	donor.UpdatedAt = compileNow
	if err := db.Create(&donor).Error; err != nil {
		t.Fatalf("failed to seed donor %s: %v", donor.ID, err)
	}
	return donor
}

func memberIDs(t *testing.T, db *gorm.DB, segmentID string) map[string]struct{} {
	t.Helper()
	var ids []string
	if err := db.Model(&SegmentMember{}).Where("segment_id = ?", segmentID).Pluck("donor_id", &ids).Error; err != nil {
		t.Fatalf("failed to load membership: %v", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func mustCreateSegment(t *testing.T, service *Service, organizationID, name, rules string) Segment {
	t.Helper()
	segment, err := service.Create(context.Background(), organizationID, CreateInput{Name: name, Rules: rules})
	if err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}
	return segment
}

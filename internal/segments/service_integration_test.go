package segments

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/donorconnect/backend/internal/donors"
	"github.com/donorconnect/backend/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func seedOrgDonors(t *testing.T, service *Service) {
	t.Helper()
	db := service.db
	seedDonor(t, db, donors.Donor{ID: "big", OrganizationID: "org-1", FirstName: "Grace", LastName: "Hopper", Email: "grace@example.org", TotalGifts: 12, TotalAmount: 8000, FirstGiftDate: giftDate(900), LastGiftDate: giftDate(15)})
	seedDonor(t, db, donors.Donor{ID: "mid", OrganizationID: "org-1", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.org", TotalGifts: 3, TotalAmount: 1200, FirstGiftDate: giftDate(400), LastGiftDate: giftDate(100), RetentionRisk: "MEDIUM"})
	seedDonor(t, db, donors.Donor{ID: "small", OrganizationID: "org-1", FirstName: "Jean", LastName: "Bartik", Email: "jean@example.org", TotalGifts: 1, TotalAmount: 50, FirstGiftDate: giftDate(40), LastGiftDate: giftDate(40), Status: "LAPSED"})
	seedDonor(t, db, donors.Donor{ID: "outsider", OrganizationID: "org-2", FirstName: "Kay", LastName: "Antonelli", Email: "kay@example.org", TotalGifts: 2, TotalAmount: 9000, FirstGiftDate: giftDate(500), LastGiftDate: giftDate(10)})
}

func TestReconcileMaterializesMatchSet(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	segment := mustCreateSegment(t, service, "org-1", "High value",
		`{"field": "totalAmount", "operator": "greaterThan", "value": 1000}`)

	detail, err := service.Get(context.Background(), "org-1", segment.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := map[string]struct{}{"big": {}, "mid": {}}
	if got := memberIDs(t, service.db, segment.ID); !reflect.DeepEqual(got, expected) {
		t.Fatalf("unexpected membership: %v", got)
	}
	if detail.Segment.MemberCount != 2 {
		t.Fatalf("expected cached count 2, got %d", detail.Segment.MemberCount)
	}
	if detail.Segment.LastCalculated == nil {
		t.Fatalf("expected lastCalculated to be set")
	}
	if len(detail.Members) != 2 || detail.Members[0].ID != "big" || detail.Members[1].ID != "mid" {
		t.Fatalf("expected members ordered by total amount, got %#v", detail.Members)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	segment := mustCreateSegment(t, service, "org-1", "Repeat givers",
		`{"field": "totalGifts", "operator": "greaterThanOrEqual", "value": 2}`)

	first, err := service.Get(context.Background(), "org-1", segment.ID)
	if err != nil {
		t.Fatalf("first reconcile failed: %v", err)
	}
	membersAfterFirst := memberIDs(t, service.db, segment.ID)

	second, err := service.Get(context.Background(), "org-1", segment.ID)
	if err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	if !reflect.DeepEqual(membersAfterFirst, memberIDs(t, service.db, segment.ID)) {
		t.Fatalf("membership changed between identical reconciliations")
	}
	if first.Segment.MemberCount != second.Segment.MemberCount {
		t.Fatalf("member count changed: %d vs %d", first.Segment.MemberCount, second.Segment.MemberCount)
	}
}

func TestReconcileRemovesStaleMembers(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	segment := mustCreateSegment(t, service, "org-1", "Recently active",
		`{"field": "totalAmount", "operator": "greaterThan", "value": 1000}`)

	if _, err := service.Get(context.Background(), "org-1", segment.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Donor data moves under the segment; next reconciliation must drop them.
	if err := service.db.Model(&donors.Donor{}).Where("id = ?", "mid").Update("total_amount", 10).Error; err != nil {
		t.Fatalf("failed to update donor: %v", err)
	}

	detail, err := service.Get(context.Background(), "org-1", segment.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := map[string]struct{}{"big": {}}
	if got := memberIDs(t, service.db, segment.ID); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected stale member removed, got %v", got)
	}
	if detail.Segment.MemberCount != 1 {
		t.Fatalf("expected count 1, got %d", detail.Segment.MemberCount)
	}
}

func TestEmptyRulesMatchWholeOrganizationOnly(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	segment := mustCreateSegment(t, service, "org-1", "Everyone", `{}`)

	detail, err := service.Get(context.Background(), "org-1", segment.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail.Segment.MemberCount != 3 {
		t.Fatalf("expected all three org donors, got %d", detail.Segment.MemberCount)
	}
	if _, present := memberIDs(t, service.db, segment.ID)["outsider"]; present {
		t.Fatalf("segment matched a donor from another organization")
	}
}

func TestMalformedRulesMatchEveryone(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	segment := mustCreateSegment(t, service, "org-1", "Broken", `{"field": "totalGifts", "operator": "contains"}`)

	detail, err := service.Get(context.Background(), "org-1", segment.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail.Segment.MemberCount != 3 {
		t.Fatalf("malformed rules must widen to the organization, got %d", detail.Segment.MemberCount)
	}
}

func TestHasRecurringRule(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	if err := service.db.Create(&donors.Donation{ID: "don-1", DonorID: "mid", OrganizationID: "org-1", Amount: 25, Type: "RECURRING", DonatedAt: *giftDate(100)}).Error; err != nil {
		t.Fatalf("failed to seed donation: %v", err)
	}
	segment := mustCreateSegment(t, service, "org-1", "Recurring givers",
		`{"field": "hasRecurring", "operator": "equals", "value": true}`)

	if _, err := service.Get(context.Background(), "org-1", segment.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := map[string]struct{}{"mid": {}}
	if got := memberIDs(t, service.db, segment.ID); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected only the recurring donor, got %v", got)
	}
}

func TestListReconcilesEachSegment(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	mustCreateSegment(t, service, "org-1", "High value",
		`{"field": "totalAmount", "operator": "greaterThan", "value": 1000}`)
	mustCreateSegment(t, service, "org-1", "Lapsed",
		`{"field": "status", "operator": "equals", "value": "LAPSED"}`)

	summaries, err := service.List(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected two segments, got %d", len(summaries))
	}
	counts := map[string]int{}
	for _, summary := range summaries {
		if summary.Stale {
			t.Fatalf("segment %s unexpectedly stale", summary.Segment.Name)
		}
		counts[summary.Segment.Name] = summary.Segment.MemberCount
	}
	if counts["High value"] != 2 || counts["Lapsed"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestManualAddIsRevertedByReconcile(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	segment := mustCreateSegment(t, service, "org-1", "High value",
		`{"field": "totalAmount", "operator": "greaterThan", "value": 1000}`)

	updated, err := service.AddMembers(context.Background(), "org-1", segment.ID, []string{"small"})
	if err != nil {
		t.Fatalf("manual add failed: %v", err)
	}
	if updated.MemberCount != 1 {
		t.Fatalf("expected recount 1 after manual add, got %d", updated.MemberCount)
	}

	detail, err := service.Get(context.Background(), "org-1", segment.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, present := memberIDs(t, service.db, segment.ID)["small"]; present {
		t.Fatalf("expected reconciliation to revert the manual add")
	}
	if detail.Segment.MemberCount != 2 {
		t.Fatalf("expected rule-driven count 2, got %d", detail.Segment.MemberCount)
	}
}

func TestManualAddRejectsForeignDonors(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	segment := mustCreateSegment(t, service, "org-1", "Manual", `{}`)

	_, err := service.AddMembers(context.Background(), "org-1", segment.ID, []string{"mid", "outsider", "ghost"})
	var foreign *ForeignDonorsError
	if !errors.As(err, &foreign) {
		t.Fatalf("expected ForeignDonorsError, got %v", err)
	}
	if !reflect.DeepEqual(foreign.DonorIDs, []string{"outsider", "ghost"}) {
		t.Fatalf("unexpected offending ids: %v", foreign.DonorIDs)
	}
	if len(memberIDs(t, service.db, segment.ID)) != 0 {
		t.Fatalf("rejected batch must not write any membership rows")
	}
}

func TestManualAddIsIdempotent(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	segment := mustCreateSegment(t, service, "org-1", "Manual", `{"field": "email", "operator": "equals", "value": "nobody@example.org"}`)

	for i := 0; i < 2; i++ {
		updated, err := service.AddMembers(context.Background(), "org-1", segment.ID, []string{"mid"})
		if err != nil {
			t.Fatalf("manual add failed: %v", err)
		}
		if updated.MemberCount != 1 {
			t.Fatalf("expected count 1, got %d", updated.MemberCount)
		}
	}
}

func TestManualBatchBound(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	segment := mustCreateSegment(t, service, "org-1", "Manual", `{}`)

	oversized := make([]string, manualBatchCap+1)
	for i := range oversized {
		oversized[i] = "mid"
	}
	if _, err := service.AddMembers(context.Background(), "org-1", segment.ID, oversized); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestRemoveMember(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	segment := mustCreateSegment(t, service, "org-1", "Manual", `{}`)
	if _, err := service.AddMembers(context.Background(), "org-1", segment.ID, []string{"mid", "small"}); err != nil {
		t.Fatalf("manual add failed: %v", err)
	}

	updated, err := service.RemoveMember(context.Background(), "org-1", segment.ID, "mid")
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if updated.MemberCount != 1 {
		t.Fatalf("expected count 1 after removal, got %d", updated.MemberCount)
	}
	if _, err := service.RemoveMember(context.Background(), "org-1", segment.ID, "mid"); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
}

func TestDeleteCascadesMembership(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	segment := mustCreateSegment(t, service, "org-1", "Everyone", `{}`)
	if _, err := service.Get(context.Background(), "org-1", segment.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := service.Delete(context.Background(), "org-1", segment.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if got := memberIDs(t, service.db, segment.ID); len(got) != 0 {
		t.Fatalf("expected cascaded membership delete, got %v", got)
	}
	if _, err := service.Get(context.Background(), "org-1", segment.ID); !errors.Is(err, ErrSegmentNotFound) {
		t.Fatalf("expected ErrSegmentNotFound, got %v", err)
	}
}

func TestGetScopedToOrganization(t *testing.T) {
	service := newTestService(t, newTestDB(t))
	seedOrgDonors(t, service)
	segment := mustCreateSegment(t, service, "org-1", "Everyone", `{}`)

	if _, err := service.Get(context.Background(), "org-2", segment.ID); !errors.Is(err, ErrSegmentNotFound) {
		t.Fatalf("expected cross-org lookup to miss, got %v", err)
	}
}

func TestReconcileMetricsIgnoreLookupMisses(t *testing.T) {
	db := newTestDB(t)
	serviceMetrics := metrics.New()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return compileNow },
		IDProvider: &sequenceIDProvider{},
		Metrics:    serviceMetrics,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	seedOrgDonors(t, service)

	if _, err := service.Get(context.Background(), "org-1", "missing"); !errors.Is(err, ErrSegmentNotFound) {
		t.Fatalf("expected ErrSegmentNotFound, got %v", err)
	}
	if got := testutil.ToFloat64(serviceMetrics.ReconcilesTotal.WithLabelValues("error")); got != 0 {
		t.Fatalf("expected lookup miss to leave the error counter at 0, got %v", got)
	}

	segment := mustCreateSegment(t, service, "org-1", "Everyone", `{}`)
	if _, err := service.Get(context.Background(), "org-1", segment.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(serviceMetrics.ReconcilesTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected one successful reconcile counted, got %v", got)
	}
	if got := testutil.ToFloat64(serviceMetrics.ReconcilesTotal.WithLabelValues("error")); got != 0 {
		t.Fatalf("expected no error reconciles counted, got %v", got)
	}
}

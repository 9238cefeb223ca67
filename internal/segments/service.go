package segments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/donorconnect/backend/internal/donors"
	"github.com/donorconnect/backend/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	memberDetailCap = 1000
	manualBatchCap  = 100
	insertBatchSize = 200
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")

	// ErrSegmentNotFound signals a lookup miss for the requested segment.
	ErrSegmentNotFound = errors.New("segments: segment not found")
	// ErrMemberNotFound signals a manual removal of a donor that is not a member.
	ErrMemberNotFound = errors.New("segments: member not found")
	// ErrEmptyName rejects segment creation without a name.
	ErrEmptyName = errors.New("segments: segment name is required")
	// ErrBatchTooLarge rejects oversized manual membership batches.
	ErrBatchTooLarge = fmt.Errorf("segments: manual batch exceeds %d donors", manualBatchCap)

	noOpLogger = zap.NewNop()
)

// ForeignDonorsError reports donor ids that do not belong to the segment's
// organization. Nothing is written when it is returned.
type ForeignDonorsError struct {
	DonorIDs []string
}

func (e *ForeignDonorsError) Error() string {
	return fmt.Sprintf("segments: donors outside organization: %s", strings.Join(e.DonorIDs, ", "))
}

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "segments.service.new"
	opCreate       = "segments.create"
	opGet          = "segments.get"
	opList         = "segments.list"
	opDelete       = "segments.delete"
	opReconcile    = "segments.reconcile"
	opAddMembers   = "segments.add_members"
	opRemoveMember = "segments.remove_member"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for new segments.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig wires the segment service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Service owns segment persistence and membership reconciliation.
type Service struct {
	db         *gorm.DB
	donorStore *donors.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		donorStore: donors.NewStore(cfg.Database),
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// CreateInput carries the user-supplied segment fields. Rules is stored
// verbatim; it is not validated at save time, so a malformed tree silently
// compiles to match-everyone on first reconciliation.
type CreateInput struct {
	Name        string
	Description string
	Rules       string
}

// Create persists a new segment with an empty membership cache.
func (s *Service) Create(ctx context.Context, organizationID string, input CreateInput) (Segment, error) {
	if strings.TrimSpace(input.Name) == "" {
		return Segment{}, ErrEmptyName
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Segment{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	rules := strings.TrimSpace(input.Rules)
	if rules == "" {
		rules = "{}"
	}

	now := s.clock().UTC()
	segment := Segment{
		ID:             id,
		OrganizationID: organizationID,
		Name:           strings.TrimSpace(input.Name),
		Description:    input.Description,
		Rules:          rules,
		MemberCount:    0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&segment).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("organization_id", organizationID))
		return Segment{}, newServiceError(opCreate, "insert_failed", err)
	}
	return segment, nil
}

// Detail is the full reconciled view of one segment.
type Detail struct {
	Segment Segment
	Members []donors.Donor
}

// Get loads a segment, reconciles its membership against current donor data
// and returns it with up to 1000 member records ordered by totalAmount then
// lastGiftDate descending.
func (s *Service) Get(ctx context.Context, organizationID, segmentID string) (Detail, error) {
	var detail Detail
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		segment, err := s.lockSegment(tx, organizationID, segmentID)
		if err != nil {
			return err
		}
		predicate := Compile(segment.Rules)
		if _, err := s.syncMembership(ctx, tx, segment, predicate); err != nil {
			return newServiceError(opReconcile, "sync_failed", err)
		}
		// The sync just made the membership table equal the match set,
		// so the member records are the predicate's own result set.
		members, err := s.donorStore.Tx(tx).FindMatching(ctx, segment.OrganizationID, predicate, memberDetailCap)
		if err != nil {
			return newServiceError(opGet, "member_query_failed", err)
		}
		detail = Detail{Segment: *segment, Members: members}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSegmentNotFound) {
			return Detail{}, err
		}
		s.observeReconcile("error")
		s.logError(opGet, "reconcile_failed", err, zap.String("segment_id", segmentID))
		return Detail{}, err
	}
	s.observeReconcile("ok")
	return detail, nil
}

// Summary is one segment in a listing. Stale marks segments whose
// reconciliation failed; their counts are the last persisted values.
type Summary struct {
	Segment Segment
	Stale   bool
}

// List returns all segments for the organization, reconciling each one
// independently and concurrently. A failing segment is reported with its
// cached count instead of aborting the listing.
func (s *Service) List(ctx context.Context, organizationID string) ([]Summary, error) {
	var stored []Segment
	if err := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("created_at DESC").
		Find(&stored).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("organization_id", organizationID))
		return nil, newServiceError(opList, "query_failed", err)
	}

	summaries := make([]Summary, len(stored))
	var wg sync.WaitGroup
	for i := range stored {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			segment := stored[index]
			refreshed, err := s.reconcileOne(ctx, organizationID, segment.ID)
			if err != nil {
				s.observeReconcile("error")
				s.logger.Warn("segment reconcile failed, serving cached count",
					zap.String("segment_id", segment.ID), zap.Error(err))
				summaries[index] = Summary{Segment: segment, Stale: true}
				return
			}
			s.observeReconcile("ok")
			summaries[index] = Summary{Segment: refreshed}
		}(i)
	}
	wg.Wait()
	return summaries, nil
}

// Delete removes a segment and cascades its membership rows.
func (s *Service) Delete(ctx context.Context, organizationID, segmentID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND organization_id = ?", segmentID, organizationID).Delete(&Segment{})
		if result.Error != nil {
			return newServiceError(opDelete, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrSegmentNotFound
		}
		if err := tx.Where("segment_id = ?", segmentID).Delete(&SegmentMember{}).Error; err != nil {
			return newServiceError(opDelete, "member_cascade_failed", err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrSegmentNotFound) {
		s.logError(opDelete, "transaction_failed", err, zap.String("segment_id", segmentID))
	}
	return err
}

// AddMembers manually inserts donors into a segment. Every donor must belong
// to the segment's organization or the whole batch is rejected before any
// write. The insert is idempotent and followed by a membership recount. The
// next automatic reconciliation reverts donors that do not match the rules;
// manual membership is a temporary override, not a rule change.
func (s *Service) AddMembers(ctx context.Context, organizationID, segmentID string, donorIDs []string) (Segment, error) {
	if len(donorIDs) == 0 {
		return Segment{}, newServiceError(opAddMembers, "empty_batch", errors.New("no donor ids supplied"))
	}
	if len(donorIDs) > manualBatchCap {
		return Segment{}, ErrBatchTooLarge
	}

	var updated Segment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		segment, err := s.lockSegment(tx, organizationID, segmentID)
		if err != nil {
			return err
		}

		owned, err := s.donorStore.Tx(tx).IDsInOrganization(ctx, organizationID, donorIDs)
		if err != nil {
			return newServiceError(opAddMembers, "donor_lookup_failed", err)
		}
		if foreign := missingIDs(donorIDs, owned); len(foreign) > 0 {
			return &ForeignDonorsError{DonorIDs: foreign}
		}

		now := s.clock().UTC()
		rows := make([]SegmentMember, 0, len(donorIDs))
		for _, donorID := range donorIDs {
			rows = append(rows, SegmentMember{SegmentID: segment.ID, DonorID: donorID, AddedAt: now})
		}
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
		if insert.Error != nil {
			return newServiceError(opAddMembers, "insert_failed", insert.Error)
		}
		if s.metrics != nil {
			s.metrics.MembersAddedTotal.Add(float64(insert.RowsAffected))
		}

		if err := s.recountMembers(tx, segment); err != nil {
			return newServiceError(opAddMembers, "recount_failed", err)
		}
		updated = *segment
		return nil
	})
	if err != nil {
		var foreign *ForeignDonorsError
		if !errors.Is(err, ErrSegmentNotFound) && !errors.As(err, &foreign) {
			s.logError(opAddMembers, "transaction_failed", err, zap.String("segment_id", segmentID))
		}
		return Segment{}, err
	}
	return updated, nil
}

// RemoveMember manually removes one donor from a segment and recounts.
func (s *Service) RemoveMember(ctx context.Context, organizationID, segmentID, donorID string) (Segment, error) {
	var updated Segment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		segment, err := s.lockSegment(tx, organizationID, segmentID)
		if err != nil {
			return err
		}
		result := tx.Where("segment_id = ? AND donor_id = ?", segment.ID, donorID).Delete(&SegmentMember{})
		if result.Error != nil {
			return newServiceError(opRemoveMember, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrMemberNotFound
		}
		if s.metrics != nil {
			s.metrics.MembersRemovedTotal.Add(1)
		}
		if err := s.recountMembers(tx, segment); err != nil {
			return newServiceError(opRemoveMember, "recount_failed", err)
		}
		updated = *segment
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrSegmentNotFound) && !errors.Is(err, ErrMemberNotFound) {
			s.logError(opRemoveMember, "transaction_failed", err, zap.String("segment_id", segmentID))
		}
		return Segment{}, err
	}
	return updated, nil
}

// SyncOutcome reports what one reconciliation changed.
type SyncOutcome struct {
	MatchedCount int
	Added        int64
	Removed      int64
}

// reconcileOne runs a count-level reconciliation for one segment in its own
// transaction and returns the refreshed row.
func (s *Service) reconcileOne(ctx context.Context, organizationID, segmentID string) (Segment, error) {
	var refreshed Segment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		segment, err := s.lockSegment(tx, organizationID, segmentID)
		if err != nil {
			return err
		}
		if _, err := s.syncMembership(ctx, tx, segment, Compile(segment.Rules)); err != nil {
			return newServiceError(opReconcile, "sync_failed", err)
		}
		refreshed = *segment
		return nil
	})
	return refreshed, err
}

// syncMembership makes the membership table equal the current predicate
// match set and refreshes the cached count, all within the caller's
// transaction so a failure leaves neither half applied. The organization
// scope is ANDed in unconditionally; a segment can never match donors
// outside its own organization.
func (s *Service) syncMembership(ctx context.Context, tx *gorm.DB, segment *Segment, predicate Predicate) (SyncOutcome, error) {
	started := s.clock()

	matched, err := s.donorStore.Tx(tx).IDsMatching(ctx, segment.OrganizationID, predicate)
	if err != nil {
		return SyncOutcome{}, err
	}

	stale := tx.Where("segment_id = ?", segment.ID)
	if len(matched) > 0 {
		stale = stale.Where("donor_id NOT IN ?", matched)
	}
	removal := stale.Delete(&SegmentMember{})
	if removal.Error != nil {
		return SyncOutcome{}, removal.Error
	}

	var added int64
	if len(matched) > 0 {
		now := s.clock().UTC()
		rows := make([]SegmentMember, 0, len(matched))
		for _, donorID := range matched {
			rows = append(rows, SegmentMember{SegmentID: segment.ID, DonorID: donorID, AddedAt: now})
		}
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, insertBatchSize)
		if insert.Error != nil {
			return SyncOutcome{}, insert.Error
		}
		added = insert.RowsAffected
	}

	calculatedAt := s.clock().UTC()
	segment.MemberCount = len(matched)
	segment.LastCalculated = &calculatedAt
	segment.UpdatedAt = calculatedAt
	if err := tx.Model(&Segment{}).Where("id = ?", segment.ID).
		Updates(map[string]any{
			"member_count":    segment.MemberCount,
			"last_calculated": calculatedAt,
			"updated_at":      calculatedAt,
		}).Error; err != nil {
		return SyncOutcome{}, err
	}

	if s.metrics != nil {
		s.metrics.ReconcileDurationSeconds.Observe(s.clock().Sub(started).Seconds())
		s.metrics.MembersAddedTotal.Add(float64(added))
		s.metrics.MembersRemovedTotal.Add(float64(removal.RowsAffected))
	}

	return SyncOutcome{MatchedCount: len(matched), Added: added, Removed: removal.RowsAffected}, nil
}

func (s *Service) lockSegment(tx *gorm.DB, organizationID, segmentID string) (*Segment, error) {
	var segment Segment
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND organization_id = ?", segmentID, organizationID).
		Take(&segment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSegmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &segment, nil
}

func (s *Service) recountMembers(tx *gorm.DB, segment *Segment) error {
	var count int64
	if err := tx.Model(&SegmentMember{}).Where("segment_id = ?", segment.ID).Count(&count).Error; err != nil {
		return err
	}
	now := s.clock().UTC()
	segment.MemberCount = int(count)
	segment.UpdatedAt = now
	return tx.Model(&Segment{}).Where("id = ?", segment.ID).
		Updates(map[string]any{"member_count": count, "updated_at": now}).Error
}

func (s *Service) observeReconcile(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ReconcilesTotal.WithLabelValues(result).Inc()
}

func missingIDs(requested, found []string) []string {
	present := make(map[string]struct{}, len(found))
	for _, id := range found {
		present[id] = struct{}{}
	}
	var missing []string
	for _, id := range requested {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("segments service error", attrs...)
}

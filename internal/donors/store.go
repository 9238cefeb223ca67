package donors

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrDonorNotFound signals a lookup miss for the requested donor.
var ErrDonorNotFound = errors.New("donors: donor not found")

// QueryPredicate is the compiled rule form the store can push down to SQL.
// The segments package supplies the implementation; an empty fragment means
// no constraint beyond the organization scope.
type QueryPredicate interface {
	SQL() (string, []any)
}

// Store answers org-scoped donor queries for the segmentation core and the
// dashboard routes. It only ever reads donor rows.
type Store struct {
	db *gorm.DB
}

// NewStore wraps the database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Tx rebinds the store to a transaction handle so callers can keep their
// reads inside an enclosing transaction.
func (s *Store) Tx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Get loads one donor within the organization, with donations preloaded.
func (s *Store) Get(ctx context.Context, organizationID, donorID string) (Donor, error) {
	var donor Donor
	err := s.db.WithContext(ctx).
		Preload("Donations").
		Where("id = ? AND organization_id = ?", donorID, organizationID).
		Take(&donor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Donor{}, ErrDonorNotFound
	}
	if err != nil {
		return Donor{}, err
	}
	return donor, nil
}

// FindMatching returns donors in the organization matching the predicate,
// ordered by total amount then last gift date descending, capped at limit.
func (s *Store) FindMatching(ctx context.Context, organizationID string, predicate QueryPredicate, limit int) ([]Donor, error) {
	var matched []Donor
	query := s.scope(s.db.WithContext(ctx), organizationID, predicate).
		Order("total_amount DESC, last_gift_date DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&matched).Error; err != nil {
		return nil, err
	}
	return matched, nil
}

// IDsMatching plucks the matching donor id set.
func (s *Store) IDsMatching(ctx context.Context, organizationID string, predicate QueryPredicate) ([]string, error) {
	var ids []string
	err := s.scope(s.db.WithContext(ctx), organizationID, predicate).Pluck("id", &ids).Error
	return ids, err
}

// IDsInOrganization filters the supplied ids down to those owned by the
// organization; callers diff against the input to find foreign ids.
func (s *Store) IDsInOrganization(ctx context.Context, organizationID string, donorIDs []string) ([]string, error) {
	if len(donorIDs) == 0 {
		return nil, nil
	}
	var owned []string
	err := s.db.WithContext(ctx).Model(&Donor{}).
		Where("organization_id = ? AND id IN ?", organizationID, donorIDs).
		Pluck("id", &owned).Error
	return owned, err
}

func (s *Store) scope(db *gorm.DB, organizationID string, predicate QueryPredicate) *gorm.DB {
	query := db.Model(&Donor{}).Where("organization_id = ?", organizationID)
	if predicate == nil {
		return query
	}
	if sql, args := predicate.SQL(); sql != "" {
		query = query.Where(sql, args...)
	}
	return query
}

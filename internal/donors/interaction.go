package donors

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Interaction records a touchpoint with a donor (call, email, meeting). The
// suggestion engine reads only the most recent timestamp.
type Interaction struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	DonorID        string    `gorm:"column:donor_id;size:190;not null;index:idx_interactions_donor" json:"donorId"`
	OrganizationID string    `gorm:"column:organization_id;size:190;not null" json:"organizationId"`
	Kind           string    `gorm:"column:kind;size:32;not null;default:'NOTE'" json:"kind"`
	Notes          string    `gorm:"column:notes;type:text;not null;default:''" json:"notes"`
	OccurredAt     time.Time `gorm:"column:occurred_at;not null;index:idx_interactions_donor,priority:2" json:"occurredAt"`
}

// TableName provides the explicit table binding for GORM.
func (Interaction) TableName() string {
	return "interactions"
}

// LastInteractionAt returns the donor's most recent interaction timestamp,
// or nil when none is recorded.
func (s *Store) LastInteractionAt(ctx context.Context, donorID string) (*time.Time, error) {
	var interaction Interaction
	err := s.db.WithContext(ctx).
		Where("donor_id = ?", donorID).
		Order("occurred_at DESC").
		Take(&interaction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	occurred := interaction.OccurredAt
	return &occurred, nil
}

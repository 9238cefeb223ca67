package segments

import (
	"time"
)

// Segment is a saved dynamic donor filter owned by one organization. The
// rules column stores the rule tree JSON verbatim so it round-trips exactly
// as submitted. MemberCount and LastCalculated are denormalized reconciler
// output, never hand-edited; LastCalculated doubles as the staleness signal
// for callers.
type Segment struct {
	ID             string     `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	OrganizationID string     `gorm:"column:organization_id;size:190;not null;index:idx_segments_org" json:"organizationId"`
	Name           string     `gorm:"column:name;size:190;not null" json:"name"`
	Description    string     `gorm:"column:description;type:text;not null;default:''" json:"description"`
	Rules          string     `gorm:"column:rules;type:text;not null;default:'{}'" json:"-"`
	MemberCount    int        `gorm:"column:member_count;not null;default:0" json:"memberCount"`
	LastCalculated *time.Time `gorm:"column:last_calculated" json:"lastCalculated"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Segment) TableName() string {
	return "segments"
}

// SegmentMember is the materialized membership join row. The composite
// primary key enforces at most one row per (segment, donor) pair; the row set
// after reconciliation equals the live predicate match set, making the table
// a view of the rules rather than a source of truth.
type SegmentMember struct {
	SegmentID string    `gorm:"column:segment_id;primaryKey;size:190;not null" json:"segmentId"`
	DonorID   string    `gorm:"column:donor_id;primaryKey;size:190;not null;index:idx_segment_members_donor" json:"donorId"`
	AddedAt   time.Time `gorm:"column:added_at;not null" json:"addedAt"`
}

// TableName provides the explicit table binding for GORM.
func (SegmentMember) TableName() string {
	return "segment_members"
}

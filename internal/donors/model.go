package donors

import (
	"strings"
	"time"
)

// DonorStatus enumerates the lifecycle states a donor record can carry.
type DonorStatus string

const (
	StatusActive       DonorStatus = "ACTIVE"
	StatusLapsed       DonorStatus = "LAPSED"
	StatusInactive     DonorStatus = "INACTIVE"
	StatusDoNotContact DonorStatus = "DO_NOT_CONTACT"
)

// RetentionRisk is the persisted donor risk classification. It is written by
// the metric refresh routine and filtered on by segment rules.
type RetentionRisk string

const (
	RiskUnknown  RetentionRisk = "UNKNOWN"
	RiskLow      RetentionRisk = "LOW"
	RiskMedium   RetentionRisk = "MEDIUM"
	RiskHigh     RetentionRisk = "HIGH"
	RiskCritical RetentionRisk = "CRITICAL"
)

// DonationType enumerates supported donation kinds.
type DonationType string

const (
	DonationOneTime   DonationType = "ONE_TIME"
	DonationRecurring DonationType = "RECURRING"
	DonationPledge    DonationType = "PLEDGE"
	DonationInKind    DonationType = "IN_KIND"
)

// ParseDonorStatus normalizes raw input (trim, uppercase) and validates it
// against the fixed status set.
func ParseDonorStatus(raw string) (DonorStatus, bool) {
	switch status := DonorStatus(normalizeEnum(raw)); status {
	case StatusActive, StatusLapsed, StatusInactive, StatusDoNotContact:
		return status, true
	default:
		return "", false
	}
}

// ParseRetentionRisk normalizes raw input and validates it against the fixed
// risk set. It is the single normalization point shared by the rule compiler
// and the metric classifier.
func ParseRetentionRisk(raw string) (RetentionRisk, bool) {
	switch risk := RetentionRisk(normalizeEnum(raw)); risk {
	case RiskUnknown, RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return risk, true
	default:
		return "", false
	}
}

func normalizeEnum(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Donor models one person within one organization. The segmentation core
// reads these rows; only the metric refresh routine and the seeding paths
// write them.
type Donor struct {
	ID             string     `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	OrganizationID string     `gorm:"column:organization_id;size:190;not null;index:idx_donors_org" json:"organizationId"`
	Email          string     `gorm:"column:email;size:320;not null;default:''" json:"email"`
	FirstName      string     `gorm:"column:first_name;size:190;not null;default:''" json:"firstName"`
	LastName       string     `gorm:"column:last_name;size:190;not null;default:''" json:"lastName"`
	Status         string     `gorm:"column:status;size:32;not null;default:'ACTIVE'" json:"status"`
	RetentionRisk  string     `gorm:"column:retention_risk;size:32;not null;default:'UNKNOWN'" json:"retentionRisk"`
	TotalGifts     int        `gorm:"column:total_gifts;not null;default:0" json:"totalGifts"`
	TotalAmount    float64    `gorm:"column:total_amount;not null;default:0" json:"totalAmount"`
	FirstGiftDate  *time.Time `gorm:"column:first_gift_date" json:"firstGiftDate"`
	LastGiftDate   *time.Time `gorm:"column:last_gift_date" json:"lastGiftDate"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null" json:"updatedAt"`

	Donations []Donation `gorm:"foreignKey:DonorID" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Donor) TableName() string {
	return "donors"
}

// HasRecurringDonation reports whether any loaded donation is recurring. It
// inspects the preloaded relation only; the rule compiler answers the same
// question in SQL with an EXISTS subquery.
func (d Donor) HasRecurringDonation() bool {
	for _, donation := range d.Donations {
		if DonationType(normalizeEnum(donation.Type)) == DonationRecurring {
			return true
		}
	}
	return false
}

// Donation models a single recorded gift.
type Donation struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	DonorID        string    `gorm:"column:donor_id;size:190;not null;index:idx_donations_donor" json:"donorId"`
	OrganizationID string    `gorm:"column:organization_id;size:190;not null;index:idx_donations_org" json:"organizationId"`
	Amount         float64   `gorm:"column:amount;not null;default:0" json:"amount"`
	Type           string    `gorm:"column:type;size:32;not null;default:'ONE_TIME'" json:"type"`
	DonatedAt      time.Time `gorm:"column:donated_at;not null;index:idx_donations_donor,priority:2" json:"donatedAt"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Donation) TableName() string {
	return "donations"
}

// Organization is the tenant root owning donors and segments.
type Organization struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name      string    `gorm:"column:name;size:190;not null" json:"name"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Organization) TableName() string {
	return "organizations"
}

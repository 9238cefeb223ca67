package retention

import (
	"context"
	"errors"
	"time"

	"github.com/donorconnect/backend/internal/donors"
	"gorm.io/gorm"
)

// ErrDonorNotFound indicates the donor to refresh does not exist.
var ErrDonorNotFound = errors.New("retention: donor not found")

// RefreshDonorMetrics recomputes a donor's rollup fields (totalGifts,
// totalAmount, first/last gift date) from its donation rows and rewrites the
// persisted retentionRisk via ClassifyRisk. The donation-recording path calls
// this after every write; the segmentation core only ever reads the result.
func RefreshDonorMetrics(ctx context.Context, db *gorm.DB, donorID string, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var donor donors.Donor
		if err := tx.Where("id = ?", donorID).Take(&donor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDonorNotFound
			}
			return err
		}

		var rollup struct {
			Gifts  int
			Amount float64
		}
		if err := tx.Model(&donors.Donation{}).
			Select("COUNT(*) AS gifts, COALESCE(SUM(amount), 0) AS amount").
			Where("donor_id = ?", donorID).
			Scan(&rollup).Error; err != nil {
			return err
		}

		// MIN/MAX aggregates come back from sqlite as text, so the gift
		// date bounds are read off the boundary rows instead.
		var firstGift, lastGift *time.Time
		if rollup.Gifts > 0 {
			var oldest, newest donors.Donation
			if err := tx.Where("donor_id = ?", donorID).
				Order("donated_at ASC").
				Take(&oldest).Error; err != nil {
				return err
			}
			if err := tx.Where("donor_id = ?", donorID).
				Order("donated_at DESC").
				Take(&newest).Error; err != nil {
				return err
			}
			firstGift = &oldest.DonatedAt
			lastGift = &newest.DonatedAt
		}

		risk := ClassifyRisk(lastGift, rollup.Gifts, now)
		return tx.Model(&donors.Donor{}).
			Where("id = ?", donorID).
			Updates(map[string]any{
				"total_gifts":     rollup.Gifts,
				"total_amount":    rollup.Amount,
				"first_gift_date": firstGift,
				"last_gift_date":  lastGift,
				"retention_risk":  string(risk),
				"updated_at":      now.UTC(),
			}).Error
	})
}

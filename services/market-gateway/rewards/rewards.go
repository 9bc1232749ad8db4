// Package rewards grants sustainability points for qualifying orders. Point
// values come from a YAML catalogue so operations can retune them without a
// deploy.
package rewards

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agriclear/services/market-gateway/models"
)

// Catalogue maps reward types to point values.
type Catalogue struct {
	Points map[string]int `yaml:"rewards"`
}

// DefaultCatalogue returns the built-in point values.
func DefaultCatalogue() Catalogue {
	return Catalogue{Points: map[string]int{
		models.RewardOrganic:        50,
		models.RewardZeroWaste:      20,
		models.RewardTimelyDelivery: 30,
	}}
}

// LoadCatalogue reads a YAML catalogue, filling any missing types from the
// defaults.
func LoadCatalogue(path string) (Catalogue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalogue{}, err
	}
	var loaded Catalogue
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return Catalogue{}, fmt.Errorf("rewards: parse catalogue %s: %w", path, err)
	}
	catalogue := DefaultCatalogue()
	for rewardType, points := range loaded.Points {
		if points < 0 {
			return Catalogue{}, fmt.Errorf("rewards: %s has negative points %d", rewardType, points)
		}
		catalogue.Points[rewardType] = points
	}
	return catalogue, nil
}

// Grant issues points of the given type for an order. The (order, type)
// unique index makes repeated grants no-ops, so retried settlements never
// double-issue.
func (c Catalogue) Grant(db *gorm.DB, userID, orderID uuid.UUID, rewardType string, issuedAt time.Time) error {
	points, ok := c.Points[rewardType]
	if !ok {
		return fmt.Errorf("rewards: unknown reward type %q", rewardType)
	}
	if points == 0 {
		return nil
	}
	reward := models.Reward{
		ID:       uuid.New(),
		UserID:   userID,
		OrderID:  orderID,
		Type:     rewardType,
		Points:   points,
		IssuedAt: issuedAt,
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&reward).Error
}

// TotalPoints sums the points issued to a user.
func TotalPoints(db *gorm.DB, userID uuid.UUID) (int64, error) {
	var total int64
	err := db.Model(&models.Reward{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(points), 0)").
		Scan(&total).Error
	return total, err
}

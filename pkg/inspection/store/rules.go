package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/baremetal-lab/inspector/pkg/inspection/models"
)

// CreateRule persists a rule with its conditions and actions. Fails with
// ErrDuplicateRule when the uuid is taken.
func (s *GORMStore) CreateRule(ctx context.Context, rule *models.Rule) error {
	err := s.db.WithContext(ctx).Create(rule).Error
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", models.ErrDuplicateRule, rule.UUID)
		}
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule with its conditions and actions.
func (s *GORMStore) GetRule(ctx context.Context, uuid string) (*models.Rule, error) {
	var rule models.Rule
	err := s.db.WithContext(ctx).
		Preload("Conditions").
		Preload("Actions").
		Where("uuid = ?", uuid).
		First(&rule).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrRuleNotFound)
	}
	return &rule, nil
}

// ListRules returns all rules in creation order with conditions and actions
// preloaded.
func (s *GORMStore) ListRules(ctx context.Context) ([]*models.Rule, error) {
	var rules []*models.Rule
	err := s.db.WithContext(ctx).
		Preload("Conditions").
		Preload("Actions").
		Order("created_at").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// DeleteRule removes a rule and its conditions and actions.
func (s *GORMStore) DeleteRule(ctx context.Context, uuid string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("rule_uuid = ?", uuid).Delete(&models.RuleAction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("rule_uuid = ?", uuid).Delete(&models.RuleCondition{}).Error; err != nil {
			return err
		}
		result := tx.Where("uuid = ?", uuid).Delete(&models.Rule{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrRuleNotFound
		}
		return nil
	})
}

// DeleteAllRules removes every rule.
func (s *GORMStore) DeleteAllRules(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.RuleAction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&models.RuleCondition{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&models.Rule{}).Error
	})
}

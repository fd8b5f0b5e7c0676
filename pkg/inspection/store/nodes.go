package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/baremetal-lab/inspector/pkg/inspection/models"
)

// CreateNode records a fresh introspection run for uuid within a single
// transaction: any prior record for the uuid is dropped together with its
// attributes and options, a new node row is inserted with the given start
// time, and each non-empty lookup attribute is stored. A (name, value)
// collision with another active node fails with ErrDuplicateAttribute.
func (s *GORMStore) CreateNode(ctx context.Context, uuid string, startedAt time.Time, attributes map[string][]string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteNodeTx(tx, uuid); err != nil {
			return err
		}

		node := models.Node{UUID: uuid, StartedAt: startedAt}
		if err := tx.Create(&node).Error; err != nil {
			return fmt.Errorf("insert node: %w", err)
		}

		// Sorted for deterministic insertion order.
		names := make([]string, 0, len(attributes))
		for name := range attributes {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			for _, value := range attributes[name] {
				if value == "" {
					continue
				}
				attr := models.Attribute{Name: name, Value: value, UUID: uuid}
				if err := tx.Create(&attr).Error; err != nil {
					if isUniqueViolation(err) {
						return fmt.Errorf("%w: %s=%s", models.ErrDuplicateAttribute, name, value)
					}
					return fmt.Errorf("insert attribute %s: %w", name, err)
				}
			}
		}
		return nil
	})
}

// GetNode retrieves a node row by uuid.
func (s *GORMStore) GetNode(ctx context.Context, uuid string) (*models.Node, error) {
	var node models.Node
	if err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&node).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrNodeNotFound)
	}
	return &node, nil
}

// ListNodeUUIDs returns the uuid of every cached node, active or terminal.
func (s *GORMStore) ListNodeUUIDs(ctx context.Context) ([]string, error) {
	var uuids []string
	if err := s.db.WithContext(ctx).Model(&models.Node{}).Pluck("uuid", &uuids).Error; err != nil {
		return nil, err
	}
	return uuids, nil
}

// DeleteNode removes a node row and its attributes and options.
func (s *GORMStore) DeleteNode(ctx context.Context, uuid string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteNodeTx(tx, uuid)
	})
}

func deleteNodeTx(tx *gorm.DB, uuid string) error {
	if err := tx.Where("uuid = ?", uuid).Delete(&models.Attribute{}).Error; err != nil {
		return fmt.Errorf("delete attributes: %w", err)
	}
	if err := tx.Where("uuid = ?", uuid).Delete(&models.Option{}).Error; err != nil {
		return fmt.Errorf("delete options: %w", err)
	}
	if err := tx.Where("uuid = ?", uuid).Delete(&models.Node{}).Error; err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

// FindUUIDsByAttributes returns the distinct node uuids matching any of the
// given lookup attributes. Queries are parameterized; one disjunction is
// issued per attribute name. Empty values are skipped.
func (s *GORMStore) FindUUIDsByAttributes(ctx context.Context, attributes map[string][]string) ([]string, error) {
	found := make(map[string]struct{})

	names := make([]string, 0, len(attributes))
	for name := range attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		values := make([]string, 0, len(attributes[name]))
		for _, v := range attributes[name] {
			if v != "" {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}

		var uuids []string
		err := s.db.WithContext(ctx).
			Model(&models.Attribute{}).
			Distinct("uuid").
			Where("name = ? AND value IN ?", name, values).
			Pluck("uuid", &uuids).Error
		if err != nil {
			return nil, fmt.Errorf("lookup by %s: %w", name, err)
		}
		for _, u := range uuids {
			found[u] = struct{}{}
		}
	}

	result := make([]string, 0, len(found))
	for u := range found {
		result = append(result, u)
	}
	sort.Strings(result)
	return result, nil
}

// SetFinished marks a node terminal and, per the cache invariant, deletes its
// lookup attributes and options in the same transaction. errorMessage may be
// nil for a successful run.
func (s *GORMStore) SetFinished(ctx context.Context, uuid string, finishedAt time.Time, errorMessage *string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Node{}).
			Where("uuid = ?", uuid).
			Updates(map[string]any{
				"finished_at": finishedAt,
				"error":       errorMessage,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrNodeNotFound
		}

		if err := tx.Where("uuid = ?", uuid).Delete(&models.Attribute{}).Error; err != nil {
			return fmt.Errorf("delete attributes: %w", err)
		}
		if err := tx.Where("uuid = ?", uuid).Delete(&models.Option{}).Error; err != nil {
			return fmt.Errorf("delete options: %w", err)
		}
		return nil
	})
}

// AddAttributes stores one or more values of a single lookup attribute for a
// node. Fails with ErrDuplicateAttribute when any (name, value) pair is
// already claimed.
func (s *GORMStore) AddAttributes(ctx context.Context, uuid, name string, values []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, value := range values {
			if value == "" {
				continue
			}
			attr := models.Attribute{Name: name, Value: value, UUID: uuid}
			if err := tx.Create(&attr).Error; err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: %s=%v", models.ErrDuplicateAttribute, name, values)
				}
				return fmt.Errorf("insert attribute %s: %w", name, err)
			}
		}
		return nil
	})
}

// ListAttributes returns all lookup attributes of a node.
func (s *GORMStore) ListAttributes(ctx context.Context, uuid string) ([]models.Attribute, error) {
	var attrs []models.Attribute
	if err := s.db.WithContext(ctx).Where("uuid = ?", uuid).Find(&attrs).Error; err != nil {
		return nil, err
	}
	return attrs, nil
}

// ActiveAttributeValues returns the distinct values of the named attribute
// across all active nodes, e.g. every MAC currently on introspection.
func (s *GORMStore) ActiveAttributeValues(ctx context.Context, name string) ([]string, error) {
	var values []string
	err := s.db.WithContext(ctx).
		Model(&models.Attribute{}).
		Distinct("value").
		Where("name = ?", name).
		Pluck("value", &values).Error
	if err != nil {
		return nil, err
	}
	sort.Strings(values)
	return values, nil
}

// ListOptions returns all workflow options of a node.
func (s *GORMStore) ListOptions(ctx context.Context, uuid string) ([]models.Option, error) {
	var opts []models.Option
	if err := s.db.WithContext(ctx).Where("uuid = ?", uuid).Find(&opts).Error; err != nil {
		return nil, err
	}
	return opts, nil
}

// SetOption writes a single workflow option, replacing any previous value,
// inside a transaction.
func (s *GORMStore) SetOption(ctx context.Context, uuid, name, value string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("uuid = ? AND name = ?", uuid, name).Delete(&models.Option{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.Option{UUID: uuid, Name: name, Value: value}).Error
	})
}

// DeleteExpiredFinished drops terminal node rows whose finished_at is older
// than the threshold. Returns the number of rows removed.
func (s *GORMStore) DeleteExpiredFinished(ctx context.Context, threshold time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("finished_at IS NOT NULL AND finished_at < ?", threshold).
		Delete(&models.Node{})
	return result.RowsAffected, result.Error
}

// ListTimedOutUUIDs returns active nodes whose started_at predates the
// threshold, in uuid order.
func (s *GORMStore) ListTimedOutUUIDs(ctx context.Context, threshold time.Time) ([]string, error) {
	var uuids []string
	err := s.db.WithContext(ctx).
		Model(&models.Node{}).
		Where("started_at < ? AND finished_at IS NULL", threshold).
		Order("uuid").
		Pluck("uuid", &uuids).Error
	if err != nil {
		return nil, err
	}
	return uuids, nil
}

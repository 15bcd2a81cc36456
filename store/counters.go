package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/taskwire/taskwire/models"
)

// GetCounter returns the persisted counter value, or 0 if the counter was
// never written.
func (s *Store) GetCounter(ctx context.Context, name string) (int64, error) {
	var counter models.AnalyticsCounter
	err := s.db.WithContext(ctx).First(&counter, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

// IncrementCounter adds one to the named counter, creating it at 1 if it
// does not exist yet, and returns the new value.
func (s *Store) IncrementCounter(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.AnalyticsCounter{}).
				Where("name = ?", name).
				Update("value", gorm.Expr("value + 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				if err := tx.Create(&models.AnalyticsCounter{Name: name, Value: 1}).Error; err != nil {
					return err
				}
				value = 1
				return nil
			}
			var counter models.AnalyticsCounter
			if err := tx.First(&counter, "name = ?", name).Error; err != nil {
				return err
			}
			value = counter.Value
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// SetCounter forces the counter to a specific value, creating it if needed.
// Used when the redis mirror diverges and the database wins.
func (s *Store) SetCounter(ctx context.Context, name string, value int64) error {
	return s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.AnalyticsCounter{}).
				Where("name = ?", name).
				Update("value", value)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return tx.Create(&models.AnalyticsCounter{Name: name, Value: value}).Error
			}
			return nil
		})
	})
}

// EnsureCounter creates the counter at 0 if absent. Reconciliation calls
// this for every enumerated counter before copying values into redis.
func (s *Store) EnsureCounter(ctx context.Context, name string) error {
	return s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Where(models.AnalyticsCounter{Name: name}).
			FirstOrCreate(&models.AnalyticsCounter{Name: name}).Error
	})
}

// ListCounters returns every persisted counter keyed by name.
func (s *Store) ListCounters(ctx context.Context) (map[string]int64, error) {
	var counters []models.AnalyticsCounter
	if err := s.db.WithContext(ctx).Find(&counters).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(counters))
	for _, c := range counters {
		out[c.Name] = c.Value
	}
	return out, nil
}

package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "crabstack.local/crab-relay/internal/db"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string, logger zerolog.Logger) (*GormStore, error) {
	db, err := dbpkg.OpenGorm(driver, dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	store := &GormStore{db: db}
	if err := db.AutoMigrate(&credentialRow{}); err != nil {
		_ = dbpkg.Close(db)
		return nil, fmt.Errorf("migrate credential store: %w", err)
	}
	return store, nil
}

func (s *GormStore) Load(ctx context.Context, tenantID string) ([]byte, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return nil, err
	}

	var row credentialRow
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return row.Bundle, nil
}

func (s *GormStore) Save(ctx context.Context, tenantID string, bundle []byte) error {
	tenantID, err := validateSave(tenantID, bundle)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	row := credentialRow{
		TenantID:  tenantID,
		Bundle:    bundle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"bundle", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

func (s *GormStore) Exists(ctx context.Context, tenantID string) (bool, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return false, err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&credentialRow{}).Where("tenant_id = ?", tenantID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("check credentials: %w", err)
	}
	return count > 0, nil
}

func (s *GormStore) Purge(ctx context.Context, tenantID string) error {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Delete(&credentialRow{}).Error; err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	return nil
}

func (s *GormStore) Tenants(ctx context.Context) ([]string, error) {
	var tenants []string
	if err := s.db.WithContext(ctx).Model(&credentialRow{}).Order("tenant_id").Pluck("tenant_id", &tenants).Error; err != nil {
		return nil, fmt.Errorf("list credential tenants: %w", err)
	}
	return tenants, nil
}

func (s *GormStore) Close() error {
	return dbpkg.Close(s.db)
}

type credentialRow struct {
	TenantID  string    `gorm:"primaryKey;size:191"`
	Bundle    []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (credentialRow) TableName() string {
	return "tenant_credentials"
}

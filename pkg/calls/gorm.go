package calls

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// OpenSQLite opens (and migrates) a sqlite database. dsn ":memory:" is valid.
func OpenSQLite(dsn string, verbose bool) (*gorm.DB, error) {
	mode := logger.Silent
	if verbose {
		mode = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(mode)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// every pooled connection to :memory: would see its own empty database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Campaign{}, &Contact{}, &Attempt{}, &SurveyResponse{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (r *GormRepository) AttemptByCallID(ctx context.Context, callID string) (Attempt, error) {
	var a Attempt
	err := r.db.WithContext(ctx).Where("call_id = ?", callID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Attempt{}, ErrAttemptNotFound
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("load attempt %s: %w", callID, err)
	}
	return a, nil
}

func (r *GormRepository) SaveAttempt(ctx context.Context, a Attempt) error {
	if err := r.db.WithContext(ctx).Save(&a).Error; err != nil {
		return fmt.Errorf("save attempt %s: %w", a.CallID, err)
	}
	return nil
}

func (r *GormRepository) Contact(ctx context.Context, id string) (Contact, error) {
	var c Contact
	err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Contact{}, ErrContactNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("load contact %s: %w", id, err)
	}
	return c, nil
}

func (r *GormRepository) SaveContact(ctx context.Context, c Contact) error {
	if err := r.db.WithContext(ctx).Save(&c).Error; err != nil {
		return fmt.Errorf("save contact %s: %w", c.ID, err)
	}
	return nil
}

func (r *GormRepository) Campaign(ctx context.Context, id string) (Campaign, error) {
	var c Campaign
	err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Campaign{}, ErrCampaignNotFound
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("load campaign %s: %w", id, err)
	}
	return c, nil
}

func (r *GormRepository) SaveCampaign(ctx context.Context, c Campaign) error {
	if err := r.db.WithContext(ctx).Save(&c).Error; err != nil {
		return fmt.Errorf("save campaign %s: %w", c.ID, err)
	}
	return nil
}

// SaveSurveyResponse ignores a second write for the same call.
func (r *GormRepository) SaveSurveyResponse(ctx context.Context, resp SurveyResponse) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "call_id"}}, DoNothing: true}).
		Create(&resp).Error
	if err != nil {
		return fmt.Errorf("save survey response %s: %w", resp.CallID, err)
	}
	return nil
}

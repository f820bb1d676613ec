package redemption

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// redemptionRow is the gorm model for a consumed proof.
type redemptionRow struct {
	Key         string    `gorm:"column:redemption_key;primaryKey;size:200"`
	TxHash      string    `gorm:"column:tx_hash;size:66;index"`
	ServiceID   string    `gorm:"column:service_id;size:128"`
	Payer       string    `gorm:"column:payer;size:42"`
	AmountRaw   string    `gorm:"column:amount_raw;size:78"`
	BlockNumber uint64    `gorm:"column:block_number"`
	RedeemedAt  time.Time `gorm:"column:redeemed_at;index;not null"`
}

func (redemptionRow) TableName() string {
	return "paygate_redemptions"
}

// PostgresStore shares the consumed proof set between gateway replicas.
// Atomicity comes from the primary key and ON CONFLICT DO NOTHING.
type PostgresStore struct {
	db *gorm.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects with dsn and migrates the redemption table.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore uses an existing gorm handle.
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&redemptionRow{}); err != nil {
		return nil, fmt.Errorf("migrate redemptions: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Redeemed(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&redemptionRow{}).
		Where("redemption_key = ?", key).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("query redemption: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) Redeem(ctx context.Context, rec Record) error {
	if rec.RedeemedAt.IsZero() {
		rec.RedeemedAt = time.Now().UTC()
	}
	row := redemptionRow{
		Key:         rec.Key,
		TxHash:      rec.TxHash,
		ServiceID:   rec.ServiceID,
		Payer:       rec.Payer,
		AmountRaw:   rec.AmountRaw,
		BlockNumber: rec.BlockNumber,
		RedeemedAt:  rec.RedeemedAt,
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return fmt.Errorf("insert redemption: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyRedeemed
	}
	return nil
}

func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("redeemed_at < ?", before).
		Delete(&redemptionRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune redemptions: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

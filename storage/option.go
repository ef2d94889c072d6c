package storage

import (
	"time"

	"gorm.io/gorm"
)

type QueryOption func(db *gorm.DB) *gorm.DB

func WithTXID(txID string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tx_id = ?", txID)
	}
}

func WithStatus(status string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("status = ?", status)
	}
}

func WithWorkflow(workflow string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("workflow = ?", workflow)
	}
}

func WithEndedBefore(cutoff time.Time) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("ended_at < ?", cutoff.UnixMilli())
	}
}

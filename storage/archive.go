package storage

import (
	"context"
	"encoding/json"

	"github.com/itemforge/invtx"

	"github.com/spf13/cast"
	"gorm.io/gorm"
)

// ArchiveRecordPO is the persisted form of a terminal transaction.
type ArchiveRecordPO struct {
	gorm.Model
	TXID       string `gorm:"column:tx_id"`
	Workflow   string `gorm:"column:workflow"`
	Caller     string `gorm:"column:caller"`
	Status     string `gorm:"column:status"`
	Priority   string `gorm:"column:priority"`
	Reason     string `gorm:"column:reason"`
	Operations string `gorm:"column:operations"`
	StartedAt  int64  `gorm:"column:started_at"`
	EndedAt    int64  `gorm:"column:ended_at"`
}

func (a ArchiveRecordPO) TableName() string {
	return "tx_archive"
}

type ArchiveDAO struct {
	db *gorm.DB
}

func NewArchiveDAO(db *gorm.DB) *ArchiveDAO {
	return &ArchiveDAO{
		db: db,
	}
}

func (a *ArchiveDAO) GetArchiveRecords(ctx context.Context, opts ...QueryOption) ([]*ArchiveRecordPO, error) {
	db := a.db.WithContext(ctx).Model(&ArchiveRecordPO{})
	for _, opt := range opts {
		db = opt(db)
	}

	var records []*ArchiveRecordPO
	return records, db.Scan(&records).Error
}

func (a *ArchiveDAO) CreateArchiveRecord(ctx context.Context, record *ArchiveRecordPO) (uint, error) {
	return record.ID, a.db.WithContext(ctx).Model(&ArchiveRecordPO{}).Create(record).Error
}

// GormArchiveSink persists transaction records through gorm, satisfying the
// coordinator's ArchiveSink capability.
type GormArchiveSink struct {
	dao *ArchiveDAO
}

func NewGormArchiveSink(dao *ArchiveDAO) *GormArchiveSink {
	return &GormArchiveSink{
		dao: dao,
	}
}

func (g *GormArchiveSink) Archive(ctx context.Context, record *invtx.TransactionRecord) (*invtx.ArchiveReceipt, error) {
	opsBody, _ := json.Marshal(record.Operations)
	id, err := g.dao.CreateArchiveRecord(ctx, &ArchiveRecordPO{
		TXID:       record.TXID,
		Workflow:   record.Workflow,
		Caller:     record.Caller,
		Status:     record.Status,
		Priority:   record.Priority,
		Reason:     record.Reason,
		Operations: string(opsBody),
		StartedAt:  record.StartedAt.UnixMilli(),
		EndedAt:    record.EndedAt.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	return &invtx.ArchiveReceipt{
		TXID:     record.TXID,
		Location: ArchiveRecordPO{}.TableName() + "/" + cast.ToString(id),
	}, nil
}

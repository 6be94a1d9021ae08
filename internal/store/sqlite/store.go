package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hedgepair/internal/store"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const snapshotRowID = 1

// SnapshotModel 只有一行，整份登记表记录以 JSON 存放在 payload 中。
type SnapshotModel struct {
	ID            uint           `gorm:"column:id;primaryKey"`
	Version       int            `gorm:"column:version"`
	NextID        int64          `gorm:"column:next_id"`
	PairCount     int            `gorm:"column:pair_count"`
	Terminals     datatypes.JSON `gorm:"column:terminals;type:TEXT"`
	Payload       datatypes.JSON `gorm:"column:payload;type:TEXT"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (SnapshotModel) TableName() string { return "registry_snapshots" }

type SqliteStore struct {
	db   *gorm.DB
	path string
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, &store.PersistenceError{Op: "open", Path: path, Err: err}
	}
	s, err := NewSqliteStoreFromDB(db)
	if err != nil {
		return nil, err
	}
	s.path = path
	return s, nil
}

func NewSqliteStoreFromDB(db *gorm.DB) (*SqliteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&SnapshotModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &SqliteStore{db: db}, nil
}

// Save 以 upsert 的方式整体替换唯一的一行。
func (s *SqliteStore) Save(ctx context.Context, doc store.Document) error {
	raw, err := store.Encode(doc)
	if err != nil {
		return &store.PersistenceError{Op: "encode", Path: s.path, Err: err}
	}
	terminals, err := store.EncodeTerminals(doc.Terminals)
	if err != nil {
		return &store.PersistenceError{Op: "encode", Path: s.path, Err: err}
	}
	row := SnapshotModel{
		ID:            snapshotRowID,
		Version:       store.DocumentVersion,
		NextID:        doc.NextID,
		PairCount:     len(doc.Pairs),
		Terminals:     datatypes.JSON(terminals),
		Payload:       datatypes.JSON(raw),
		UpdatedAtUnix: time.Now().UnixMilli(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return &store.PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	return nil
}

func (s *SqliteStore) Load(ctx context.Context) (store.Document, error) {
	var row SnapshotModel
	err := s.db.WithContext(ctx).Where("id = ?", snapshotRowID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Document{}, store.ErrNotExists
	}
	if err != nil {
		return store.Document{}, &store.PersistenceError{Op: "load", Path: s.path, Err: err}
	}
	doc, err := store.Decode(row.Payload)
	if err != nil {
		return store.Document{}, &store.PersistenceError{Op: "decode", Path: s.path, Err: err}
	}
	if doc.NextID != row.NextID {
		return store.Document{}, &store.PersistenceError{
			Op:   "decode",
			Path: s.path,
			Err:  fmt.Errorf("%w: next_id column %d != payload %d", store.ErrCorrupt, row.NextID, doc.NextID),
		}
	}
	return doc, nil
}

// DB 暴露底层连接，供测试直接写入异常数据。
func (s *SqliteStore) DB() *gorm.DB {
	return s.db
}

func (s *SqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

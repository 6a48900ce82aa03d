// Package store persists notification sources so they survive restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/spectrumlive/spt-notification/lib/settings"
)

var ErrNotFound = errors.New("source record not found")

// Record is one stored source: its settings and where it sits on the
// canvas.
type Record struct {
	ID       string `gorm:"primaryKey"`
	Name     string
	Settings string
	X        int
	Y        int
	// Position orders sources bottom-up on the canvas.
	Position  int `gorm:"index"`
	Visible   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Record) TableName() string { return "sources" }

// NewRecord encodes s into a record.
func NewRecord(id, name string, s settings.Settings) (Record, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Record{}, fmt.Errorf("encode settings: %w", err)
	}
	return Record{ID: id, Name: name, Settings: string(data), Visible: true}, nil
}

// Decode returns the record's settings, filling unset keys with defaults.
func (r Record) Decode() (settings.Settings, error) {
	if r.Settings == "" {
		return settings.Defaults(""), nil
	}
	return settings.Parse([]byte(r.Settings))
}

type Store struct {
	db *gorm.DB
}

// Open opens or creates the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Record{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Save inserts or replaces r.
func (s *Store) Save(ctx context.Context, r Record) error {
	if r.ID == "" {
		return errors.New("record id is required")
	}
	return s.db.WithContext(ctx).Save(&r).Error
}

// UpdateSettings stores new settings for id.
func (s *Store) UpdateSettings(ctx context.Context, id string, st settings.Settings) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.update(ctx, id, map[string]any{"settings": string(data)})
}

// Place stores where id sits on the canvas.
func (s *Store) Place(ctx context.Context, id string, x, y int, visible bool) error {
	return s.update(ctx, id, map[string]any{"x": x, "y": y, "visible": visible})
}

func (s *Store) update(ctx context.Context, id string, fields map[string]any) error {
	tx := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Updates(fields)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	var r Record
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r, err
}

// List returns all records bottom-up.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.db.WithContext(ctx).Order("position asc").Order("created_at asc").Find(&out).Error
	return out, err
}

// NextPosition returns a position above every stored record.
func (s *Store) NextPosition(ctx context.Context) (int, error) {
	var max *int
	if err := s.db.WithContext(ctx).Model(&Record{}).Select("MAX(position)").Scan(&max).Error; err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max + 1, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tx := s.db.WithContext(ctx).Delete(&Record{}, "id = ?", id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

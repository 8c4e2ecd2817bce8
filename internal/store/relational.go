package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"productlens/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RelationalStore 是任务关系型部分的存储接口。
//
// 所有修改操作都按 (owner, id) 定位，其他用户的任务视为不存在。
type RelationalStore interface {
	InsertTask(ctx context.Context, task *model.Task) error
	TouchTask(ctx context.Context, owner string, id uuid.UUID, at time.Time) error
	RenameTask(ctx context.Context, owner string, id uuid.UUID, name string) error
	DeleteTask(ctx context.Context, owner string, id uuid.UUID) error
	ListTasks(ctx context.Context, owner string) ([]model.Task, error)
	Ping(ctx context.Context) error
}

// GormTaskStore 基于 GORM 的关系型存储实现。
type GormTaskStore struct {
	db *gorm.DB
}

// NewGormTaskStore 创建关系型存储。
func NewGormTaskStore(db *gorm.DB) *GormTaskStore {
	return &GormTaskStore{db: db}
}

// Migrate 创建或更新 tasks 表。
func (s *GormTaskStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&model.Task{}); err != nil {
		return fmt.Errorf("%w: migrate: %w", ErrRelationalStore, err)
	}
	return nil
}

// InsertTask 插入任务行，ID 由 model.Task 的 BeforeCreate 生成。
func (s *GormTaskStore) InsertTask(ctx context.Context, task *model.Task) error {
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("%w: insert task: %w", ErrRelationalStore, err)
	}
	return nil
}

// TouchTask 刷新任务的 created_at。
func (s *GormTaskStore) TouchTask(ctx context.Context, owner string, id uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("id = ? AND user_id = ?", id, owner).
		Update("created_at", at)
	if res.Error != nil {
		return fmt.Errorf("%w: touch task: %w", ErrRelationalStore, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// RenameTask 修改任务名称。
func (s *GormTaskStore) RenameTask(ctx context.Context, owner string, id uuid.UUID, name string) error {
	res := s.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("id = ? AND user_id = ?", id, owner).
		Update("name", name)
	if res.Error != nil {
		return fmt.Errorf("%w: rename task: %w", ErrRelationalStore, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// MySQL 在新旧值相同时返回 0 行，需要再确认一次是否存在
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("id = ? AND user_id = ?", id, owner).
		Count(&count).Error; err != nil {
		return fmt.Errorf("%w: rename task: %w", ErrRelationalStore, err)
	}
	if count == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask 删除任务行。
func (s *GormTaskStore) DeleteTask(ctx context.Context, owner string, id uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, owner).
		Delete(&model.Task{})
	if res.Error != nil {
		return fmt.Errorf("%w: delete task: %w", ErrRelationalStore, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ListTasks 按 created_at 倒序列出用户的任务。
func (s *GormTaskStore) ListTasks(ctx context.Context, owner string) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).
		Where("user_id = ?", owner).
		Order("created_at desc").
		Find(&tasks).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: list tasks: %w", ErrRelationalStore, err)
	}
	return tasks, nil
}

// Ping 检查数据库连接。
func (s *GormTaskStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRelationalStore, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrRelationalStore, err)
	}
	return nil
}

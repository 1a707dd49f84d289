package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/internal/ctxkeys"
	"github.com/goblinsan/multi-agent-machine-client/internal/database"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TaskRecord is the gorm model behind GormTaskStore.
type TaskRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	ProjectID   string `gorm:"index;size:128;not null"`
	ParentID    string `gorm:"size:64"`
	Title       string `gorm:"size:512;not null"`
	Description string `gorm:"type:text"`
	Status      string `gorm:"index;size:64;not null"`
	Priority    int
	Labels      string `gorm:"size:1024"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName implements gorm's tabler.
func (TaskRecord) TableName() string { return "tasks" }

func (r TaskRecord) toTask() Task {
	var labels []string
	if r.Labels != "" {
		labels = strings.Split(r.Labels, ",")
	}
	return Task{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		ParentID:    r.ParentID,
		Title:       r.Title,
		Description: r.Description,
		Status:      r.Status,
		Priority:    r.Priority,
		Labels:      labels,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// GormTaskStore stores tasks in a SQL database through gorm.
type GormTaskStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

var _ TaskStore = (*GormTaskStore)(nil)

// NewGormTaskStore migrates the tasks table and returns the store.
func NewGormTaskStore(pool *database.PoolManager, logger *zap.Logger) (*GormTaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&TaskRecord{}); err != nil {
		return nil, fmt.Errorf("migrate tasks table: %w", err)
	}
	return &GormTaskStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "task_store")),
	}, nil
}

// FetchTasks returns a project's tasks ordered by priority then age.
func (s *GormTaskStore) FetchTasks(ctx context.Context, projectID string) ([]Task, error) {
	var records []TaskRecord
	err := s.pool.DB().WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("priority DESC").
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("fetch tasks for project %s: %w", projectID, err)
	}

	tasks := make([]Task, 0, len(records))
	for _, r := range records {
		tasks = append(tasks, r.toTask())
	}
	return tasks, nil
}

// UpdateTaskStatus sets a task's status.
func (s *GormTaskStore) UpdateTaskStatus(ctx context.Context, id, status, projectID string) error {
	return s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		res := tx.Model(&TaskRecord{}).
			Where("id = ? AND project_id = ?", id, projectID).
			Update("status", status)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s in project %s", ErrTaskNotFound, id, projectID)
		}
		s.logger.Info("task status updated", append(ctxkeys.Fields(ctx),
			zap.String("task_id", id),
			zap.String("project_id", projectID),
			zap.String("status", status),
		)...)
		return nil
	})
}

// CreateTask inserts a task. Status defaults to "open".
func (s *GormTaskStore) CreateTask(ctx context.Context, spec TaskSpec) (CreateTaskResult, error) {
	if spec.ProjectID == "" || spec.Title == "" {
		return CreateTaskResult{}, errors.New("task requires project_id and title")
	}
	status := spec.Status
	if status == "" {
		status = "open"
	}
	record := TaskRecord{
		ID:          uuid.NewString(),
		ProjectID:   spec.ProjectID,
		ParentID:    spec.ParentID,
		Title:       spec.Title,
		Description: spec.Description,
		Status:      status,
		Priority:    spec.Priority,
		Labels:      strings.Join(spec.Labels, ","),
	}

	err := s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return tx.Create(&record).Error
	})
	if err != nil {
		return CreateTaskResult{}, fmt.Errorf("create task: %w", err)
	}
	return CreateTaskResult{ID: record.ID, OK: true}, nil
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusDone      = "done"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// Task is a durable delayed job consumed by the at-least-once executor.
type Task struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"type:varchar(80);not null;index"`
	// Key groups tasks for coalescing and cancellation, e.g. "rebuild:42".
	Key  string         `gorm:"type:varchar(160);index"`
	Args datatypes.JSON `gorm:"type:jsonb"`

	Status      string     `gorm:"type:varchar(20);not null;index;default:'pending'"`
	RunAt       time.Time  `gorm:"type:timestamptz;not null;index"`
	Attempts    int        `gorm:"not null;default:0"`
	Deferrals   int        `gorm:"not null;default:0"`
	MaxAttempts int        `gorm:"not null"`
	LockedUntil *time.Time `gorm:"type:timestamptz"`
	LastError   string     `gorm:"type:text"`

	CreatedAt  time.Time  `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"type:timestamptz;autoUpdateTime;index"`
	FinishedAt *time.Time `gorm:"type:timestamptz"`
}

func (Task) TableName() string {
	return "tasks"
}

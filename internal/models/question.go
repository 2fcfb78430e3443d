package models

import (
	"time"

	"gorm.io/datatypes"
)

type QuestionType string

const (
	QuestionTypeBinary         QuestionType = "binary"
	QuestionTypeMultipleChoice QuestionType = "multiple_choice"
	QuestionTypeNumeric        QuestionType = "numeric"
	QuestionTypeDiscrete       QuestionType = "discrete"
	QuestionTypeDate           QuestionType = "date"
)

// IsContinuous reports whether forecasts on the question are CDFs.
func (t QuestionType) IsContinuous() bool {
	switch t {
	case QuestionTypeNumeric, QuestionTypeDiscrete, QuestionTypeDate:
		return true
	}
	return false
}

func (t QuestionType) Valid() bool {
	return t == QuestionTypeBinary || t == QuestionTypeMultipleChoice || t.IsContinuous()
}

const DefaultCDFSize = 201

// OptionsHistoryEntry is one ledger row: the option list effective from Timestamp.
// The last label is always the catch-all option.
type OptionsHistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Options   []string  `json:"options"`
}

// Question is owned by the post subsystem. The forecast core only writes
// Options and OptionsHistory.
type Question struct {
	ID   uint64       `gorm:"primaryKey"`
	Type QuestionType `gorm:"type:varchar(32);not null"`

	OpenTime           *time.Time `gorm:"type:timestamptz"`
	ScheduledCloseTime *time.Time `gorm:"type:timestamptz"`
	ActualCloseTime    *time.Time `gorm:"type:timestamptz"`

	DefaultAggregationMethod string `gorm:"type:varchar(32);not null;default:'recency_weighted'"`
	IncludeBotsInAggregates  bool   `gorm:"not null;default:false"`

	Options        datatypes.JSONSlice[string]              `gorm:"type:jsonb"`
	OptionsHistory datatypes.JSONSlice[OptionsHistoryEntry] `gorm:"type:jsonb"`

	CDFSize int `gorm:"not null;default:201"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Question) TableName() string {
	return "questions"
}

// CatchAll returns the live catch-all label, or "" for non multiple-choice questions.
func (q *Question) CatchAll() string {
	if q == nil || len(q.Options) == 0 {
		return ""
	}
	return q.Options[len(q.Options)-1]
}

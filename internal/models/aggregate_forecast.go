package models

import (
	"time"

	"gorm.io/datatypes"
)

// AggregateForecast is one point of the community aggregate history for a
// (question, method) pair, valid over [StartTime, EndTime).
type AggregateForecast struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	QuestionID uint64 `gorm:"not null;index:idx_aggregate_question_method,priority:1"`
	Method     string `gorm:"type:varchar(32);not null;index:idx_aggregate_question_method,priority:2"`

	StartTime time.Time  `gorm:"type:timestamptz;not null;index"`
	EndTime   *time.Time `gorm:"type:timestamptz"`

	ForecastValues  datatypes.JSONSlice[*float64] `gorm:"type:jsonb"`
	Centers         datatypes.JSONSlice[*float64] `gorm:"type:jsonb"`
	Means           datatypes.JSONSlice[*float64] `gorm:"type:jsonb"`
	LowerQuartiles  datatypes.JSONSlice[*float64] `gorm:"type:jsonb"`
	UpperQuartiles  datatypes.JSONSlice[*float64] `gorm:"type:jsonb"`
	Histogram       datatypes.JSONSlice[float64]  `gorm:"type:jsonb"`
	ForecasterCount int                           `gorm:"not null"`
}

func (AggregateForecast) TableName() string {
	return "aggregate_forecasts"
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

type ForecastSource string

const (
	ForecastSourceUI        ForecastSource = "ui"
	ForecastSourceAPI       ForecastSource = "api"
	ForecastSourceAutomatic ForecastSource = "automatic"
)

// Forecast is one forecaster's belief over [StartTime, EndTime). A nil EndTime
// means the interval is still open.
type Forecast struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	QuestionID  uint64 `gorm:"not null;index:idx_forecasts_question_author,priority:1"`
	AuthorID    uint64 `gorm:"not null;index:idx_forecasts_question_author,priority:2"`
	AuthorIsBot bool   `gorm:"not null;default:false"`

	StartTime time.Time  `gorm:"type:timestamptz;not null;index"`
	EndTime   *time.Time `gorm:"type:timestamptz;index"`

	ProbabilityYes *float64 `gorm:"type:double precision"`
	// Ordered by the question's all-options-ever superset; nil marks options the
	// forecast does not cover.
	ProbabilityYesPerCategory datatypes.JSONSlice[*float64] `gorm:"type:jsonb"`
	ContinuousCDF             datatypes.JSONSlice[float64]  `gorm:"type:jsonb"`

	Source ForecastSource `gorm:"type:varchar(20);not null;default:'api'"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Forecast) TableName() string {
	return "forecasts"
}

// ActiveAt reports whether the interval covers t.
func (f *Forecast) ActiveAt(t time.Time) bool {
	if f.StartTime.After(t) {
		return false
	}
	return f.EndTime == nil || f.EndTime.After(t)
}

// EndsAfter reports whether the interval is open or ends strictly after t.
func (f *Forecast) EndsAfter(t time.Time) bool {
	return f.EndTime == nil || f.EndTime.After(t)
}
